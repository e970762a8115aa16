/*
Package config owns the supervisor's configuration surface: the Options
struct with its defaults, YAML file loading, coherence validation, and the
resolution of external binary paths.

Binary resolution deliberately avoids $PATH: configured paths must be
absolute, and bare names are searched in a fixed list of system directories
only. A missing required binary surfaces as MissingBinaryError before any
host state is touched.
*/
package config
