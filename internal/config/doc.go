// Package config loads the forgegrid settings.
//
// Values are layered: built-in defaults, then the HCL file (forgegrid.hcl
// by default), then FORGEGRID_* environment variables. A .env file next to
// the config file is read first and never overrides the real environment.
// Command-line flags are applied on top by the cli package.
package config
