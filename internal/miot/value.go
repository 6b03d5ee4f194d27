package miot

import (
	"strconv"
	"strings"
)

// ToInt converts the numeric shapes a property value can arrive in
// (native ints, JSON float64, bools) to int.
func ToInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float32:
		if float32(int(n)) != n {
			return 0, false
		}
		return int(n), true
	case float64:
		if float64(int(n)) != n {
			return 0, false
		}
		return int(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// ToBool converts a property value to bool. Numbers are true when non-zero;
// strings accept the usual spellings plus on/off and yes/no.
func ToBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "on", "yes", "y":
			return true, true
		case "off", "no", "n":
			return false, true
		}
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, false
		}
		return parsed, true
	default:
		n, ok := ToInt(v)
		if !ok {
			return false, false
		}
		return n != 0, true
	}
}
