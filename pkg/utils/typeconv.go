package utils

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/BartekS5/pagesync/pkg/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ConvertValue converts a raw vendor value to the type declared by the field.
func ConvertValue(val any, cfg models.FieldConfig) (any, error) {
	if val == nil {
		return nil, nil
	}
	if s, ok := val.(string); ok && s == "" && cfg.Type != "string" && cfg.Type != "enum" {
		return nil, nil
	}
	switch cfg.Type {
	case "datetime":
		return ConvertDateTime(val, cfg.Format)
	case "int":
		return ConvertToInt(val)
	case "decimal":
		return ConvertDecimal(val)
	case "bool":
		return ConvertToBool(val)
	case "string", "enum":
		return ConvertToString(val), nil
	default:
		return val, nil
	}
}

func ConvertToString(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case json.Number:
		return v.String()
	case primitive.ObjectID:
		return v.Hex()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// ConvertDateTime accepts time values, RFC3339-ish strings and unix epoch
// milliseconds. An empty string converts to nil.
func ConvertDateTime(val any, format string) (any, error) {
	switch v := val.(type) {
	case time.Time:
		return v.UTC(), nil
	case primitive.DateTime:
		return v.Time().UTC(), nil
	case json.Number:
		ms, err := v.Int64()
		if err != nil {
			return nil, fmt.Errorf("unable to parse datetime: %s", v)
		}
		return time.UnixMilli(ms).UTC(), nil
	case float64:
		return time.UnixMilli(int64(v)).UTC(), nil
	case int64:
		return time.UnixMilli(v).UTC(), nil
	case string:
		if v == "" {
			return nil, nil
		}
		formats := []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02T15:04:05",
			"2006-01-02 15:04:05",
			"2006-01-02",
		}
		if format != "" && format != "ISO8601" {
			formats = append([]string{format}, formats...)
		}
		for _, f := range formats {
			if t, err := time.Parse(f, v); err == nil {
				return t.UTC(), nil
			}
		}
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
		return nil, fmt.Errorf("unable to parse datetime: %s", v)
	case []byte:
		return ConvertDateTime(string(v), format)
	default:
		return nil, fmt.Errorf("cannot convert %T to datetime", val)
	}
}

func ConvertToInt(val any) (int64, error) {
	switch v := val.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("cannot convert %v to int without truncation", v)
		}
		return int64(v), nil
	case json.Number:
		return ConvertToInt(v.String())
	case string:
		s := strings.TrimSpace(v)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		// HubSpot sends integral amounts as "42.0".
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %q to int", v)
		}
		return ConvertToInt(f)
	case []byte:
		return ConvertToInt(string(v))
	default:
		return 0, fmt.Errorf("cannot convert %T to int", val)
	}
}

// ConvertDecimal validates a numeric value and keeps it as its decimal
// string so no precision is lost on the way to the database.
func ConvertDecimal(val any) (string, error) {
	var s string
	switch v := val.(type) {
	case string:
		s = strings.TrimSpace(v)
	case json.Number:
		s = v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int, int32, int64:
		return fmt.Sprintf("%d", v), nil
	default:
		return "", fmt.Errorf("cannot convert %T to decimal", val)
	}
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return "", fmt.Errorf("cannot convert %q to decimal", s)
	}
	return s, nil
}

func ConvertToBool(val any) (bool, error) {
	switch v := val.(type) {
	case bool:
		return v, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(v))
	case json.Number:
		return v.String() != "0", nil
	case float64:
		return v != 0, nil
	default:
		return false, fmt.Errorf("cannot convert %T to bool", val)
	}
}
