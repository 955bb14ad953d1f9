// Package config loads docdedup configuration from TOML, with DOCDEDUP_*
// environment variables taking precedence over file values.
//
// Lookup order when no path is given: ./docdedup.toml, then
// ~/.config/docdedup/config.toml. A missing file is not an error; defaults
// apply.
package config
