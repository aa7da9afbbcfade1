package uds

import (
	"testing"

	"ecudiag/pkg/nvstorage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadIdentifierFromNvStorage(t *testing.T) {
	fixture := newDispatcherFixture()
	store := nvstorage.NewMemoryStore(nil, 0)
	store.Write(0x20, []byte{0x11, 0x22, 0x33, 0x44}, func(nvstorage.BlockID, []byte, nvstorage.ReturnCode) {})

	service := NewReadDataByIdentifier()
	service.AddChild(NewReadIdentifierFromNvStorage(0xF1A0, store, 0x20, 4, AllSessionMask))
	fixture.dsp.AddService(service)

	fixture.request(0x22, 0xF1, 0xA0)
	// A long running job answers with response pending first
	require.Len(t, fixture.sender.sent, 2)
	assert.Equal(t, []byte{0x7F, 0x22, 0x78}, fixture.sender.sent[0])
	assert.Equal(t, []byte{0x62, 0xF1, 0xA0, 0x11, 0x22, 0x33, 0x44}, fixture.sender.sent[1])
}

func TestVariableReadIdentifierFromNvStorage(t *testing.T) {
	fixture := newDispatcherFixture()
	store := nvstorage.NewMemoryStore(nil, 0)
	// Length record of 2 followed by the payload and slack
	store.Write(0x21, []byte{0x00, 0x00, 0x00, 0x02, 0xCA, 0xFE, 0x00, 0x00}, func(nvstorage.BlockID, []byte, nvstorage.ReturnCode) {})

	service := NewReadDataByIdentifier()
	service.AddChild(NewVariableReadIdentifierFromNvStorage(0xF1A1, store, 0x21, 8, AllSessionMask))
	fixture.dsp.AddService(service)

	fixture.request(0x22, 0xF1, 0xA1)
	assert.Equal(t, []byte{0x62, 0xF1, 0xA1, 0xCA, 0xFE}, fixture.sender.last())
}

func TestReadIdentifierFromNvStorageFailure(t *testing.T) {
	fixture := newDispatcherFixture()
	store := nvstorage.NewMemoryStore(nil, 0)
	store.SetReadResult(nvstorage.ReqNotOK)

	service := NewReadDataByIdentifier()
	service.AddChild(NewReadIdentifierFromNvStorage(0xF1A0, store, 0x20, 4, AllSessionMask))
	fixture.dsp.AddService(service)

	fixture.request(0x22, 0xF1, 0xA0)
	assert.Equal(t, []byte{0x7F, 0x22, 0x22}, fixture.sender.last())
}

func TestPositiveResponseAppendHelpers(t *testing.T) {
	response := &PositiveResponse{}
	response.reset(make([]byte, 8))
	assert.True(t, response.AppendByte(0x62))
	assert.True(t, response.AppendUint16(0xF18C))
	assert.True(t, response.AppendUint32(0xDEADBEEF))
	assert.Equal(t, []byte{0x62, 0xF1, 0x8C, 0xDE, 0xAD, 0xBE, 0xEF}, response.Data())

	// Capacity is respected
	assert.True(t, response.AppendByte(0xFF))
	assert.False(t, response.AppendByte(0xEE))
	assert.False(t, response.AppendUint16(0x0000))
}

func TestJobPrefixAssertions(t *testing.T) {
	assert.Panics(t, func() {
		NewJob("tooLong", []byte{1, 2, 3, 4, 5}, 0, AllSessionMask)
	})
	assert.Panics(t, func() {
		parent := NewJob("parent", []byte{0x22}, 0, AllSessionMask)
		parent.AddChild(NewJob("child", []byte{0x2E, 0x01}, 0, AllSessionMask))
	})
}

func TestEmptySessionMaskNeverAccepts(t *testing.T) {
	fixture := newDispatcherFixture()
	service := NewJob("locked", []byte{0x22}, 2, SessionMask(0)).
		WithHandler(HandlerFunc(func(connection *IncomingDiagConnection, request []byte) DiagReturnCode {
			return CodeOK
		}))
	fixture.dsp.AddService(service)

	fixture.request(0x22, 0x01, 0x02)
	assert.Equal(t, []byte{0x7F, 0x22, 0x7E}, fixture.sender.last())
}

type denyingAuthenticator struct{}

func (denyingAuthenticator) IsAuthenticated(connection *IncomingDiagConnection) bool { return false }

func (denyingAuthenticator) NotAuthenticatedCode() DiagReturnCode { return IsoSecurityAccessDenied }

func TestAuthenticatorGate(t *testing.T) {
	fixture := newDispatcherFixture()
	service := NewReadDataByIdentifier()
	service.AddChild(NewReadIdentifierFromMemory(0xF18C, []byte{0xAA}, AllSessionMask).
		WithAuthenticator(denyingAuthenticator{}))
	fixture.dsp.AddService(service)

	fixture.request(0x22, 0xF1, 0x8C)
	assert.Equal(t, []byte{0x7F, 0x22, 0x33}, fixture.sender.last())
}
