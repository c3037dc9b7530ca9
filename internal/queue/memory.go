package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"A2A-Chain/pkg/logger"
)

// ErrClosed 表示队列已关闭。
var ErrClosed = errors.New("队列已关闭")

// Memory 基于 channel 的进程内队列，处理失败的 ID 由独立协程放回队尾。
// ch 从不关闭，关闭信号只经 done 传递，阻塞中的发送方因此总能退出。
type Memory struct {
	ch   chan string
	done chan struct{}
	once sync.Once
}

// NewMemory 创建内存队列。
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 64
	}
	return &Memory{ch: make(chan string, size), done: make(chan struct{})}
}

// Publish 实现 Producer。队列满时阻塞，直到有空位、ctx 取消或队列关闭。
func (q *Memory) Publish(ctx context.Context, messageID string) error {
	select {
	case <-q.done:
		return publishFailure(ErrClosed, messageID)
	default:
	}
	select {
	case <-ctx.Done():
		return publishFailure(ctx.Err(), messageID)
	case <-q.done:
		return publishFailure(ErrClosed, messageID)
	case q.ch <- messageID:
		return nil
	}
}

// Consume 启动 workers 个协程直到 ctx 取消或队列关闭。
func (q *Memory) Consume(ctx context.Context, workers int, handler Handler) error {
	log := logger.Named("queue")
	var wg sync.WaitGroup
	for i := 0; i < workerCount(workers); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case id := <-q.ch:
					if err := handler(ctx, id); err != nil {
						log.Warn("消息处理失败，重新入队", slog.String("message_id", id), slog.Any("error", err))
						// worker 自己不能阻塞在满队列上，否则所有 worker 都在等自己。
						wg.Add(1)
						go func() {
							defer wg.Done()
							q.requeue(ctx, id, log)
						}()
					}
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *Memory) requeue(ctx context.Context, id string, log *slog.Logger) {
	if err := q.Publish(ctx, id); err != nil {
		log.Error("消息重新入队失败", slog.String("message_id", id), slog.Any("error", err))
	}
}

// Len 返回尚未消费的消息数量。
func (q *Memory) Len() int {
	return len(q.ch)
}

// Close 实现 Producer 与 Consumer，可重复调用。
func (q *Memory) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}
