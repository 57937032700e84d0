// Package cli is responsible for parsing command-line arguments, validating
// user input, and handling process-level concerns like exit codes. It
// translates flags into configuration overrides and renders results as
// text, JSON or YAML.
package cli
