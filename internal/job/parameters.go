package job

import (
	"time"

	"github.com/ChuLiYu/beaver-sync/pkg/types"
)

// 預設參數
const (
	DefaultMaxAttempts = 1
	DefaultMaxBackoff  = time.Hour

	baseBackoff = time.Second
)

// Parameters 入隊時的任務參數
//
// 以值傳遞的建構器：每個 With* 方法回傳修改後的副本。
type Parameters struct {
	QueueKey               string
	MaxAttempts            int           // types.Unlimited 表示無限
	Lifespan               time.Duration // 0 或負值表示 Immortal
	MaxBackoff             time.Duration
	InitialDelay           time.Duration
	Constraints            []string
	MemoryOnly             bool
	MaxInstancesForFactory int
	MaxInstancesForQueue   int
}

// NewParameters 預設參數：單次嘗試、永不過期、無實例上限
func NewParameters() Parameters {
	return Parameters{
		MaxAttempts:            DefaultMaxAttempts,
		MaxBackoff:             DefaultMaxBackoff,
		MaxInstancesForFactory: types.Unlimited,
		MaxInstancesForQueue:   types.Unlimited,
	}
}

func (p Parameters) WithQueue(queue string) Parameters {
	p.QueueKey = queue
	return p
}

func (p Parameters) WithMaxAttempts(n int) Parameters {
	p.MaxAttempts = n
	return p
}

func (p Parameters) WithLifespan(d time.Duration) Parameters {
	p.Lifespan = d
	return p
}

func (p Parameters) WithMaxBackoff(d time.Duration) Parameters {
	p.MaxBackoff = d
	return p
}

func (p Parameters) WithInitialDelay(d time.Duration) Parameters {
	p.InitialDelay = d
	return p
}

func (p Parameters) WithConstraints(names ...string) Parameters {
	p.Constraints = append(append([]string(nil), p.Constraints...), names...)
	return p
}

func (p Parameters) WithMemoryOnly() Parameters {
	p.MemoryOnly = true
	return p
}

func (p Parameters) WithMaxInstancesForFactory(n int) Parameters {
	p.MaxInstancesForFactory = n
	return p
}

func (p Parameters) WithMaxInstancesForQueue(n int) Parameters {
	p.MaxInstancesForQueue = n
	return p
}

// Spec 依參數組出完整的 FullSpec（尚無相依邊）
func (p Parameters) Spec(id, factoryKey string, data []byte, now time.Time) types.FullSpec {
	lifespan := int64(types.Immortal)
	if p.Lifespan > 0 {
		lifespan = p.Lifespan.Milliseconds()
	}

	spec := types.JobSpec{
		ID:                     id,
		FactoryKey:             factoryKey,
		QueueKey:               p.QueueKey,
		CreateTime:             now.UnixMilli(),
		NextRunAttemptTime:     now.Add(p.InitialDelay).UnixMilli(),
		RunAttempt:             0,
		MaxAttempts:            p.MaxAttempts,
		MaxBackoff:             p.MaxBackoff.Milliseconds(),
		Lifespan:               lifespan,
		MaxInstancesForFactory: p.MaxInstancesForFactory,
		MaxInstancesForQueue:   p.MaxInstancesForQueue,
		SerializedData:         data,
		IsMemoryOnly:           p.MemoryOnly,
	}

	full := types.FullSpec{Job: spec}
	for _, name := range p.Constraints {
		full.Constraints = append(full.Constraints, types.ConstraintSpec{
			JobID:        id,
			FactoryKey:   name,
			IsMemoryOnly: p.MemoryOnly,
		})
	}
	return full
}

// Backoff 第 attempt 次失敗後的等待時間：1s·2^(attempt-1)，上限 maxBackoff
func Backoff(attempt int, maxBackoff time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	d := baseBackoff << uint(shift)
	if maxBackoff > 0 && d > maxBackoff {
		return maxBackoff
	}
	return d
}
