package tool

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
)

// Args are the decoded JSON arguments of one tool call.
type Args map[string]any

// ArgsOf converts a struct into Args through its JSON form.
func ArgsOf(v any) (Args, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encode args: %v", contractx.ErrValidation, err)
	}
	var out Args
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: args must be an object: %v", contractx.ErrValidation, err)
	}
	return out, nil
}

// Decode fills a typed struct from the arguments.
func Decode[T any](a Args) (T, error) {
	var out T
	raw, err := json.Marshal(a)
	if err != nil {
		return out, fmt.Errorf("%w: encode args: %v", contractx.ErrValidation, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: decode args: %v", contractx.ErrValidation, err)
	}
	return out, nil
}

func (a Args) String(key string) (string, error) {
	v := strings.TrimSpace(a.OptString(key))
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", contractx.ErrValidation, key)
	}
	return v, nil
}

func (a Args) OptString(key string) string {
	switch v := a[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (a Args) Int(key string) (int, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("%w: %s is required", contractx.ErrValidation, key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%w: %s must be a whole number", contractx.ErrValidation, key)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be a whole number", contractx.ErrValidation, key)
		}
		return int(i), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be a whole number", contractx.ErrValidation, key)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("%w: %s has type %T", contractx.ErrValidation, key, v)
	}
}

func (a Args) OptInt(key string, def int) int {
	if _, ok := a[key]; !ok {
		return def
	}
	n, err := a.Int(key)
	if err != nil {
		return def
	}
	return n
}

func (a Args) Int64(key string) (int64, error) {
	if f, ok := a[key].(float64); ok && f == math.Trunc(f) {
		return int64(f), nil
	}
	n, err := a.Int(key)
	return int64(n), err
}

func (a Args) Float(key string) (float64, error) {
	switch n := a[key].(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be a number", contractx.ErrValidation, key)
		}
		return f, nil
	case nil:
		return 0, fmt.Errorf("%w: %s is required", contractx.ErrValidation, key)
	default:
		return 0, fmt.Errorf("%w: %s has type %T", contractx.ErrValidation, key, n)
	}
}

func (a Args) Bool(key string) bool {
	switch v := a[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}
