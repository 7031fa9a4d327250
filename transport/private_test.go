package transport

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestParseXDeath_AbsentHeader(t *testing.T) {
	_, present := parseXDeath(amqp.Table{})
	assert.False(t, present)
}

func TestParseXDeath_ParsesQueueReasonExchange(t *testing.T) {
	headers := amqp.Table{
		"x-death": []interface{}{
			amqp.Table{"queue": "private.reply", "reason": "expired", "exchange": "amq.headers.dlx", "count": int64(1)},
		},
	}
	deaths, present := parseXDeath(headers)
	assert.True(t, present)
	assert.Len(t, deaths, 1)
	assert.Equal(t, "private.reply", deaths[0].Queue)
	assert.Equal(t, "expired", deaths[0].Reason)
	assert.Equal(t, "amq.headers.dlx", deaths[0].Exchange)
	assert.Equal(t, int64(1), deaths[0].Count)
}

func TestHeadersToMap_CopiesAllKeys(t *testing.T) {
	h := amqp.Table{"a": 1, "b": "x"}
	m := headersToMap(h)
	assert.Equal(t, 1, m["a"])
	assert.Equal(t, "x", m["b"])
}

func TestFirstNonEmptyStr(t *testing.T) {
	assert.Equal(t, "a", firstNonEmptyStr("a", "b"))
	assert.Equal(t, "b", firstNonEmptyStr("", "b"))
	assert.Equal(t, "", firstNonEmptyStr("", ""))
}
