package config

import "errors"

var (
	errInvalidPort           = errors.New("config: port must be between 1 and 65535")
	errMissingToolsDir       = errors.New("config: tools-dir must not be empty")
	errMissingToolWorkerPath = errors.New("config: toolworker-path must not be empty")
)
