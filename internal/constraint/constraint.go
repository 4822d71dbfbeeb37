// Package constraint 提供任務執行前置條件的註冊與評估
//
// 條件以名稱註冊（例如 NetworkConstraint），任務以 ConstraintSpec.FactoryKey
// 引用。一個任務的所有條件必須同時成立才會被調度；未註冊的名稱一律視為不成立。
package constraint

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/beaver-sync/pkg/types"
)

// 內建條件名稱
const (
	Network            = "NetworkConstraint"
	NotInCall          = "NotInCallConstraint"
	BatteryNotLow      = "BatteryNotLowConstraint"
	DecryptionsDrained = "DecryptionsDrainedConstraint"
)

// ErrUnknownConstraint 條件名稱未註冊
var ErrUnknownConstraint = errors.New("unknown constraint")

// Constraint 一個可查詢的前置條件
type Constraint interface {
	IsMet() bool
}

// Func 將普通函式轉換為 Constraint
type Func func() bool

// IsMet implements Constraint.
func (f Func) IsMet() bool { return f() }

// Flag 由外部設定狀態的條件（網路、電量、通話狀態等平台訊號）
//
// 狀態改變時會通知所有觀察者，調度器藉此在條件恢復時立即重新評估。
type Flag struct {
	met       atomic.Bool
	mu        sync.Mutex
	observers []func(bool)
}

// NewFlag 建立初始狀態為 met 的 Flag
func NewFlag(met bool) *Flag {
	f := &Flag{}
	f.met.Store(met)
	return f
}

// IsMet implements Constraint.
func (f *Flag) IsMet() bool { return f.met.Load() }

// Set 更新狀態；只有狀態實際改變時才通知觀察者
func (f *Flag) Set(met bool) {
	if f.met.Swap(met) == met {
		return
	}
	f.mu.Lock()
	observers := append([]func(bool){}, f.observers...)
	f.mu.Unlock()
	for _, fn := range observers {
		fn(met)
	}
}

// Observe 註冊狀態變化的回呼
func (f *Flag) Observe(fn func(bool)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, fn)
}

// Registry 以名稱索引的條件集合，啟動時建立、之後只讀
type Registry struct {
	mu          sync.RWMutex
	constraints map[string]Constraint
}

// NewRegistry 建立空的條件註冊表
func NewRegistry() *Registry {
	return &Registry{constraints: make(map[string]Constraint)}
}

// NewDefaultRegistry 建立包含所有內建條件的註冊表，回傳各條件的 Flag 供平台層更新
func NewDefaultRegistry() (*Registry, map[string]*Flag) {
	r := NewRegistry()
	flags := map[string]*Flag{
		Network:            NewFlag(true),
		NotInCall:          NewFlag(true),
		BatteryNotLow:      NewFlag(true),
		DecryptionsDrained: NewFlag(true),
	}
	for name, f := range flags {
		r.Register(name, f)
	}
	return r, flags
}

// Register 註冊（或覆蓋）一個條件
func (r *Registry) Register(name string, c Constraint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constraints[name] = c
}

// Has 檢查條件名稱是否已註冊
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.constraints[name]
	return ok
}

// Names 回傳所有已註冊的條件名稱（已排序）
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.constraints))
	for name := range r.constraints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate 檢查所有名稱都已註冊
func (r *Registry) Validate(names []string) error {
	for _, name := range names {
		if !r.Has(name) {
			return fmt.Errorf("%w: %s", ErrUnknownConstraint, name)
		}
	}
	return nil
}

// AllMet 評估一組條件的合取
//
// 回傳第一個不成立的條件名稱，方便記錄延後原因。
func (r *Registry) AllMet(specs []types.ConstraintSpec) (bool, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, spec := range specs {
		c, ok := r.constraints[spec.FactoryKey]
		if !ok || !c.IsMet() {
			return false, spec.FactoryKey
		}
	}
	return true, ""
}
