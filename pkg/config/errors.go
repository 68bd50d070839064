package config

import (
	"fmt"
	"strings"

	"klipper-analog-probe/pkg/errors"
)

// Config errors are HostErrors with one of the ErrConfig* codes, so
// callers can test them with errors.IsConfig and read Section/Option.

func errMissingOption(section, option string) error {
	return errors.ConfigOptionError(section, option)
}

func errMissingSection(section string) error {
	return errors.ConfigSectionError(section)
}

func errInvalidValue(section, option, value, expected string, cause error) error {
	return errors.ConfigTypeError(section, option, value, expected, cause)
}

func errOutOfRange(section, option string, value interface{}, constraint string) error {
	return errors.ConfigValidationError(section, option, fmt.Sprintf("value %v %s", value, constraint))
}

func errInvalidChoice(section, option, value string, choices []string) error {
	return errors.ConfigValidationError(section, option,
		fmt.Sprintf("'%s' is not one of: %s", value, strings.Join(choices, ", ")))
}

func errUnusedOption(section, option string) error {
	return errors.ConfigValidationError(section, option, "option is not valid in this section")
}
