package gen

import (
	"fmt"
	"sort"
	"sync"
)

// Provider 同步与异步适配器的公共部分；注册表只依赖元信息。
type Provider interface {
	Meta() Metadata
}

// Registry 按 APIFormat 索引的适配器注册表。
// 启动时一次性构建，运行期只读。
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Provider
}

// NewRegistry 构建注册表并校验每个适配器的能力形态：
// IsAsync 为 true 的必须实现 AsyncProvider 且不得实现 SyncProvider，反之亦然。
// 形态不符是配置错误，直接拒绝注册而不是留到运行时。
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{entries: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		meta := p.Meta()
		if meta.APIFormat == "" {
			return nil, fmt.Errorf("provider %q has empty api format", meta.Label)
		}
		_, isSync := p.(SyncProvider)
		_, isAsync := p.(AsyncProvider)
		if meta.IsAsync && (!isAsync || isSync) {
			return nil, fmt.Errorf("provider %q declares async but does not match AsyncProvider shape", meta.APIFormat)
		}
		if !meta.IsAsync && (!isSync || isAsync) {
			return nil, fmt.Errorf("provider %q declares sync but does not match SyncProvider shape", meta.APIFormat)
		}
		if _, dup := r.entries[meta.APIFormat]; dup {
			return nil, fmt.Errorf("duplicate api format %q", meta.APIFormat)
		}
		r.entries[meta.APIFormat] = p
	}
	return r, nil
}

// Lookup 按 APIFormat 取适配器。
func (r *Registry) Lookup(apiFormat string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.entries[apiFormat]
	return p, ok
}

// Sync 取同步适配器；非同步形态返回 false。
func (r *Registry) Sync(apiFormat string) (SyncProvider, bool) {
	p, ok := r.Lookup(apiFormat)
	if !ok {
		return nil, false
	}
	sp, ok := p.(SyncProvider)
	return sp, ok
}

// Async 取异步适配器；非异步形态返回 false。
func (r *Registry) Async(apiFormat string) (AsyncProvider, bool) {
	p, ok := r.Lookup(apiFormat)
	if !ok {
		return nil, false
	}
	ap, ok := p.(AsyncProvider)
	return ap, ok
}

// Capabilities 能力查询，供请求校验层使用。
func (r *Registry) Capabilities(apiFormat string) (Capabilities, bool) {
	p, ok := r.Lookup(apiFormat)
	if !ok {
		return Capabilities{}, false
	}
	return p.Meta().Capabilities, true
}

// Validation 校验规则查询。
func (r *Registry) Validation(apiFormat string) (Validation, bool) {
	p, ok := r.Lookup(apiFormat)
	if !ok {
		return Validation{}, false
	}
	return p.Meta().Validation, true
}

// FormatsForModelType 返回支持给定模型族的全部 APIFormat，按字典序。
func (r *Registry) FormatsForModelType(modelType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var formats []string
	for format, p := range r.entries {
		for _, mt := range p.Meta().ModelTypes {
			if mt == modelType {
				formats = append(formats, format)
				break
			}
		}
	}
	sort.Strings(formats)
	return formats
}

// List 返回全部已注册的 APIFormat，按字典序。
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	formats := make([]string, 0, len(r.entries))
	for format := range r.entries {
		formats = append(formats, format)
	}
	sort.Strings(formats)
	return formats
}
