package machine

import (
	"sort"
	"strconv"
	"strings"
)

// Info 是 ApiInfo 的回复内容，编码为按键排序的 "key=value" 行。
type Info map[string]string

// Set 设置一项，返回自身便于链式调用。
func (i Info) Set(key string, value any) Info {
	switch v := value.(type) {
	case string:
		i[key] = v
	case bool:
		i[key] = strconv.FormatBool(v)
	case int:
		i[key] = strconv.Itoa(v)
	case uint32:
		i[key] = strconv.FormatUint(uint64(v), 10)
	case uint64:
		i[key] = strconv.FormatUint(v, 10)
	default:
		panic("machine: unsupported info value type")
	}
	return i
}

// Encode 编码为文本。
func (i Info) Encode() []byte {
	keys := make([]string, 0, len(i))
	for k := range i {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(i[k])
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// ParseInfo 解析 Encode 的输出，忽略格式错误的行。
func ParseInfo(b []byte) Info {
	info := make(Info)
	for _, line := range strings.Split(string(b), "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok || k == "" {
			continue
		}
		info[k] = v
	}
	return info
}
