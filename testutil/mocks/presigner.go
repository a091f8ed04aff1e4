package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockPresigner 返回可预测 URL 的 storage.Presigner
type MockPresigner struct {
	mu   sync.Mutex
	keys []string
	err  error
}

// NewMockPresigner 创建新的 MockPresigner
func NewMockPresigner() *MockPresigner {
	return &MockPresigner{}
}

// WithError 设置签名错误
func (m *MockPresigner) WithError(err error) *MockPresigner {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// PresignGet 实现 storage.Presigner
func (m *MockPresigner) PresignGet(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.keys = append(m.keys, key)
	return fmt.Sprintf("https://objects.test/%s/%s", bucket, key), nil
}

// Keys 返回已签名的对象键
func (m *MockPresigner) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.keys...)
}
