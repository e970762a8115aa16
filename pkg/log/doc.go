/*
Package log provides structured logging for the supervisor built on zerolog.

All components log through component-tagged child loggers obtained from
WithComponent or WithInstance, so every line carries the component that
emitted it. Output defaults to a human-readable console format on stderr;
JSON output is available for collectors.

The control-port password is never passed to this package.
*/
package log
