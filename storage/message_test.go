package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCloneDeepCopiesBody(t *testing.T) {
	m := &Message{ID: "1", Body: []byte("hello")}
	c := m.Clone()
	c.Body[0] = 'X'
	assert.Equal(t, "hello", string(m.Body))
	assert.Equal(t, "Xello", string(c.Body))
}

func TestCloneNilReceiver(t *testing.T) {
	var m *Message
	assert.Nil(t, m.Clone())
}

func TestCloneMessagesSkipsNils(t *testing.T) {
	ms := []*Message{{ID: "1"}, nil, {ID: "2"}}
	out := CloneMessages(ms)
	assert.Len(t, out, 3)
	assert.NotNil(t, out[0])
	assert.Nil(t, out[1])
	assert.NotNil(t, out[2])
	assert.NotSame(t, ms[0], out[0])
}
