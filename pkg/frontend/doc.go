/*
Package frontend runs the proxy front-end chain: the haproxy TCP load
balancer fanning out across the instance SOCKS ports, and the optional
privoxy HTTP filter chained in front of it. The LB always starts first and
stops last, and each child is connect-probe verified on its listen port
before the front-end reports Up.
*/
package frontend
