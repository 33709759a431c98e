package flowcontrol

import (
	"container/list"
	"context"
	"errors"
	"sync"
)

var ErrDisabled = errors.New("flow control disabled")

// FlowControl ограничивает количество и суммарный размер одновременно
// неподтвержденных записей. Нулевой лимит означает отсутствие ограничения.
// Ожидающие получают квоту в порядке прихода: большая запись не голодает
// за потоком мелких.
type FlowControl struct {
	cond    *sync.Cond
	waiters *list.List

	maxCount int64
	maxBytes int64
	count    int64
	bytes    int64
	ok       bool
}

func New(maxCount, maxBytes int64) *FlowControl {
	return &FlowControl{
		cond:     sync.NewCond(&sync.Mutex{}),
		waiters:  list.New(),
		maxCount: maxCount,
		maxBytes: maxBytes,
		ok:       true,
	}
}

// fits вызывается под локом. Запись больше maxBytes пропускается, если
// других записей в полете нет, иначе она не пройдет никогда.
func (fc *FlowControl) fits(size int64) bool {
	if fc.maxCount > 0 && fc.count >= fc.maxCount {
		return false
	}
	if fc.maxBytes > 0 && fc.count > 0 && fc.bytes+size > fc.maxBytes {
		return false
	}
	return true
}

func (fc *FlowControl) take(size int64) {
	fc.count++
	fc.bytes += size
}

// TryAcquire занимает квоту без ожидания. При наличии ожидающих квота не
// выдается.
func (fc *FlowControl) TryAcquire(size int64) (bool, error) {
	fc.cond.L.Lock()
	defer fc.cond.L.Unlock()

	if !fc.ok {
		return false, ErrDisabled
	}
	if fc.waiters.Len() > 0 || !fc.fits(size) {
		return false, nil
	}
	fc.take(size)
	return true, nil
}

// Acquire ждет освобождения квоты, отмены контекста или Disable.
func (fc *FlowControl) Acquire(ctx context.Context, size int64) error {
	stop := context.AfterFunc(ctx, func() {
		fc.cond.L.Lock()
		defer fc.cond.L.Unlock()
		fc.cond.Broadcast()
	})
	defer stop()

	fc.cond.L.Lock()
	defer fc.cond.L.Unlock()

	if !fc.ok {
		return ErrDisabled
	}
	if fc.waiters.Len() == 0 && fc.fits(size) {
		fc.take(size)
		return nil
	}

	// квоту берет только голова очереди
	e := fc.waiters.PushBack(size)
	defer func() {
		fc.waiters.Remove(e)
		// следующий в очереди мог стать головой, и ему может хватить квоты
		fc.cond.Broadcast()
	}()
	for fc.ok && (fc.waiters.Front() != e || !fc.fits(size)) {
		if err := ctx.Err(); err != nil {
			return err
		}
		fc.cond.Wait()
	}
	if !fc.ok {
		return ErrDisabled
	}
	fc.take(size)
	return nil
}

// Waiting is the number of Acquire calls blocked on quota.
func (fc *FlowControl) Waiting() int {
	fc.cond.L.Lock()
	defer fc.cond.L.Unlock()
	return fc.waiters.Len()
}

func (fc *FlowControl) Release(size int64) {
	fc.cond.L.Lock()
	defer fc.cond.L.Unlock()

	fc.count--
	fc.bytes -= size
	fc.cond.Broadcast() // оповещаем все горутины, заблокированные в ожидании квоты
}

// Disable будит ожидающих и запрещает дальнейшие Acquire.
func (fc *FlowControl) Disable() {
	fc.cond.L.Lock()
	defer fc.cond.L.Unlock()

	fc.ok = false
	fc.cond.Broadcast()
}

func (fc *FlowControl) InUse() (count, bytes int64) {
	fc.cond.L.Lock()
	defer fc.cond.L.Unlock()
	return fc.count, fc.bytes
}
