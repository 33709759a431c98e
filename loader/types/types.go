package types

import (
	"context"

	"github.com/ozontech/appender/datasource"
	"github.com/ozontech/appender/managedwriter"
)

type DataSource interface {
	Fetch() (*datasource.Batch, error)
}

type Appender interface {
	AppendRows(ctx context.Context, rows [][]byte, opts ...managedwriter.AppendOption) (*managedwriter.PendingWrite, error)
}

type LoaderReporter interface {
	Acquire(tag string) BatchState
}

type Reporter interface {
	LoaderReporter
	Run() error
	Close() error
}

type BatchState interface {
	SetSize(rows, bytes int) // сообщаем размер пакета
	Acked(offset int64)      // пакет подтвержден сервисом
	Failed(err error)        // пакет отклонен или потерян
	End()                    // завершение записи. отправляет результат в отчет
}
