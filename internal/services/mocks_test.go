package services

import (
	"context"
	"net/http"

	"github.com/stretchr/testify/mock"
)

// withUser stamps the request context the way the auth middleware does.
func withUser(r *http.Request, userID int) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), "userID", userID))
}

type MockPushSender struct {
	mock.Mock
}

func (m *MockPushSender) SendPush(token, platform, title, body string, data map[string]string) error {
	args := m.Called(token, platform, title, body, data)
	return args.Error(0)
}

type MockEmailSender struct {
	mock.Mock
}

func (m *MockEmailSender) Send(to, subject, body string) error {
	args := m.Called(to, subject, body)
	return args.Error(0)
}
