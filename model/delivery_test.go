package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeliveryState_Supersedes(t *testing.T) {
	cases := []struct {
		cur, next DeliveryState
		want      bool
	}{
		{DeliverySent, DeliveryDelivered, true},
		{DeliveryDelivered, DeliveryRead, true},
		{DeliveryRead, DeliveryDelivered, false},
		{DeliveryDelivered, DeliverySent, false},
		{DeliverySent, DeliveryFailed, true},
		{DeliveryFailed, DeliveryFailed, true},
		{DeliveryDelivered, DeliveryFailed, false},
		{DeliveryRead, DeliveryFailed, false},
		{DeliveryFailed, DeliverySent, true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.cur.Supersedes(c.next), "%s -> %s", c.cur, c.next)
	}
}
