package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// StringMap 以 JSON 文本存储的 string->string 映射。nil 映射存为 NULL，
// 用于区分“未记录快照”与“空快照”。
type StringMap map[string]string

func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(map[string]string(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *StringMap) Scan(src any) error {
	data, err := scanBytes(src)
	if err != nil || data == nil {
		*m = nil
		return err
	}
	out := map[string]string{}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("scan StringMap: %w", err)
	}
	*m = out
	return nil
}

// Clone 返回副本，nil 保持 nil。
func (m StringMap) Clone() StringMap {
	if m == nil {
		return nil
	}
	out := make(StringMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// StringList 以 JSON 数组存储的字符串列表。
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(src any) error {
	data, err := scanBytes(src)
	if err != nil || data == nil {
		*l = nil
		return err
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("scan StringList: %w", err)
	}
	*l = out
	return nil
}

func scanBytes(src any) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported JSON column type %T", src)
	}
}
