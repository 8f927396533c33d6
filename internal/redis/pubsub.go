package redisx

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// SeatsPubSub fans out seat-state change notifications so caches on other
// instances drop their copy of the affected (bus, date) seat map.
type SeatsPubSub struct {
	rdb     *redis.Client
	channel string
}

func NewSeatsPubSub(rdb *redis.Client) *SeatsPubSub {
	return &SeatsPubSub{
		rdb:     rdb,
		channel: ChannelSeatsChanged(),
	}
}

type seatsChangedMsg struct {
	Type   string `json:"type"`
	BusID  int64  `json:"bus_id"`
	Date   string `json:"date"`
	TsUnix int64  `json:"ts_unix"`
}

func (p *SeatsPubSub) PublishSeatsChanged(ctx context.Context, busID int64, date string) error {
	msg := seatsChangedMsg{
		Type:   "seats_changed",
		BusID:  busID,
		Date:   date,
		TsUnix: time.Now().Unix(),
	}

	b, _ := json.Marshal(msg)

	return p.rdb.Publish(ctx, p.channel, b).Err()
}

func (p *SeatsPubSub) Subscribe(ctx context.Context, handler func(ctx context.Context, busID int64, date string)) error {
	sub := p.rdb.Subscribe(ctx, p.channel)
	defer sub.Close()

	ch := sub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var ev seatsChangedMsg
			if err := json.Unmarshal([]byte(m.Payload), &ev); err == nil &&
				ev.BusID != 0 {
				handler(ctx, ev.BusID, ev.Date)
			}
		}
	}
}
