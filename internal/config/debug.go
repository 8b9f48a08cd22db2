package config

import (
	"os"
	"strings"
)

func IsDebug() bool {
	switch strings.ToLower(os.Getenv("TUSK_DEBUG")) {
	case "1", "true", "yes":
		return true
	}
	return false
}
