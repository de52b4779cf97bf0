/*
Package log owns keeld's zerolog root logger.

Init is called once at daemon startup and configures the package-level
Logger. Subsystems log through that global: most derive a child logger with
WithComponent at the point of use, and a few (pkg/image, pkg/snapshot) keep
such a child in a struct field. Loggers are not passed in through
constructors, and this package provides no recording logger for tests.
Config.JSONOutput selects JSON output; otherwise a console writer is used;
both go to stderr, keeping stdout free for requested program output.
*/
package log
