package bencode

import "fmt"

// ToString coerces a decoded value (string or []byte) to a string.
func ToString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	default:
		return "", fmt.Errorf("bencode: not a string: %T", v)
	}
}

// ToBytes coerces a decoded value (string or []byte) to a []byte.
func ToBytes(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		return nil, fmt.Errorf("bencode: not a byte string: %T", v)
	}
}

// ToInt coerces a decoded value to an int64. Decode only ever produces
// int64 for integers, but the wider switch accommodates values built by
// hand in tests and by callers assembling dicts for Marshal.
func ToInt(v any) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case uint:
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		return int64(t), nil
	default:
		return 0, fmt.Errorf("bencode: not an integer: %T", v)
	}
}

// ToDict coerces a decoded value to a dictionary.
func ToDict(v any) (map[string]any, error) {
	d, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("bencode: not a dict: %T", v)
	}
	return d, nil
}

// ToList coerces a decoded value to a list.
func ToList(v any) ([]any, error) {
	l, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("bencode: not a list: %T", v)
	}
	return l, nil
}

// ToStringSlice coerces a decoded list of byte strings to a []string.
func ToStringSlice(v any) ([]string, error) {
	list, err := ToList(v)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(list))
	for i, e := range list {
		s, err := ToString(e)
		if err != nil {
			return nil, fmt.Errorf("bencode: elem %d: %w", i, err)
		}

		out = append(out, s)
	}

	return out, nil
}

// ToTieredStrings coerces a decoded list-of-lists-of-strings, the shape of
// a tracker "announce-list", to [][]string. Empty tiers are rejected.
func ToTieredStrings(v any) ([][]string, error) {
	tiers, err := ToList(v)
	if err != nil {
		return nil, err
	}

	out := make([][]string, 0, len(tiers))
	for i, t := range tiers {
		ss, err := ToStringSlice(t)
		if err != nil || len(ss) == 0 {
			return nil, fmt.Errorf("bencode: tier %d: invalid", i)
		}

		out = append(out, ss)
	}

	return out, nil
}

// Field looks up key in dict and returns its raw value, or an error
// naming the missing key.
func Field(dict map[string]any, key string) (any, error) {
	v, ok := dict[key]
	if !ok {
		return nil, fmt.Errorf("bencode: missing key %q", key)
	}
	return v, nil
}
