package modem_test

import (
	"fmt"

	gomock "go.uber.org/mock/gomock"
	"i4.energy/across/shortrange/modem"
)

type MockSequenceBuilder struct {
	transport *modem.MockTransport
	calls     []any
}

func NewMockSequence(transport *modem.MockTransport) *MockSequenceBuilder {
	return &MockSequenceBuilder{
		transport: transport,
		calls:     []any{},
	}
}

// exchange expects cmd to be written and answers with resp on the next read.
func (b *MockSequenceBuilder) exchange(cmd, resp string) *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().Write([]byte(cmd)).Return(len(cmd), nil),
		b.transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
			return copy(p, resp), nil
		}),
	)
	return b
}

func (b *MockSequenceBuilder) AT() *MockSequenceBuilder {
	// Echo is still on at this point.
	return b.exchange("AT\r", "AT\r\nOK\r\n")
}

func (b *MockSequenceBuilder) EchoOff() *MockSequenceBuilder {
	return b.exchange("ATE0\r", "ATE0\r\nOK\r\n")
}

func (b *MockSequenceBuilder) ATNoEcho() *MockSequenceBuilder {
	return b.exchange("AT\r", "OK\r\n")
}

func (b *MockSequenceBuilder) BaudRate(baud int) *MockSequenceBuilder {
	b.exchange(fmt.Sprintf("AT+UMRS=%d,2,8,1,1,1\r", baud), "OK\r\n")
	b.calls = append(b.calls, b.transport.EXPECT().SetBaudRate(baud).Return(nil))
	return b.ATNoEcho()
}

func (b *MockSequenceBuilder) Hostname(name string) *MockSequenceBuilder {
	return b.exchange(fmt.Sprintf("AT+UNHN=\"%s\"\r", name), "OK\r\n")
}

func (b *MockSequenceBuilder) HostnameRejected(name string) *MockSequenceBuilder {
	return b.exchange(fmt.Sprintf("AT+UNHN=\"%s\"\r", name), "ERROR\r\n")
}

func (b *MockSequenceBuilder) TLSInBuffer(size int) *MockSequenceBuilder {
	return b.exchange(fmt.Sprintf("AT+UDCFG=8,%d\r", size), "OK\r\n")
}

func (b *MockSequenceBuilder) TLSOutBuffer(size int) *MockSequenceBuilder {
	return b.exchange(fmt.Sprintf("AT+UDCFG=9,%d\r", size), "OK\r\n")
}

func (b *MockSequenceBuilder) Build() []any {
	return b.calls
}

// initMockCalls is the sequence of a default initialization.
func initMockCalls(transport *modem.MockTransport) []any {
	return NewMockSequence(transport).
		AT().
		EchoOff().
		Build()
}
