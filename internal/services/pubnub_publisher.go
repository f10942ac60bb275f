package services

import (
	"context"
	"fmt"
	"log/slog"
	"ticket-queue/models"
	"ticket-queue/monitoring"

	pubnub "github.com/pubnub/go/v7"
)

type outboundMessage struct {
	channel string
	event   models.Event
}

// PubNubPublisher mirrors queue events onto PubNub channels. Publishing is
// queued and sent by Run so a slow PubNub round trip never holds up the
// reconciler.
type PubNubPublisher struct {
	pn      *pubnub.PubNub
	channel string
	outbox  chan outboundMessage
	monitor *monitoring.Monitor

	send func(channel string, event models.Event) error
}

func NewPubNubPublisher(pn *pubnub.PubNub, channel string, buffer int, monitor *monitoring.Monitor) *PubNubPublisher {
	if buffer <= 0 {
		buffer = 64
	}
	p := &PubNubPublisher{
		pn:      pn,
		channel: channel,
		outbox:  make(chan outboundMessage, buffer),
		monitor: monitor,
	}
	p.send = p.publishToPubNub
	return p
}

// NewPubNubClient builds a server side client from the configured keys.
func NewPubNubClient(publishKey, subscribeKey, secretKey, uuid string) *pubnub.PubNub {
	pnCfg := pubnub.NewConfigWithUserId(pubnub.UserId(uuid))
	pnCfg.PublishKey = publishKey
	pnCfg.SubscribeKey = subscribeKey
	pnCfg.SecretKey = secretKey
	return pubnub.NewPubNub(pnCfg)
}

// Publish queues event for the broadcast channel. It reports false when the
// outbox is full.
func (p *PubNubPublisher) Publish(event models.Event) bool {
	return p.enqueue(p.channel, event)
}

func (p *PubNubPublisher) enqueue(channel string, event models.Event) bool {
	select {
	case p.outbox <- outboundMessage{channel: channel, event: event}:
		return true
	default:
		return false
	}
}

// Run drains the outbox until ctx is done.
func (p *PubNubPublisher) Run(ctx context.Context) {
	for {
		select {
		case msg := <-p.outbox:
			if err := p.send(msg.channel, msg.event); err != nil {
				p.monitor.TrackDelivery(string(msg.event.Type), "failed")
				slog.Warn("Failed to publish to PubNub", "channel", msg.channel, "type", msg.event.Type, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *PubNubPublisher) publishToPubNub(channel string, event models.Event) error {
	_, _, err := p.pn.Publish().
		Channel(channel).
		Message(event).
		Execute()
	return err
}

// Direct returns a subscriber that reaches a single PubNub user on its
// private channel.
func (p *PubNubPublisher) Direct(uuid string) Subscriber {
	return &directSubscriber{publisher: p, uuid: uuid}
}

type directSubscriber struct {
	publisher *PubNubPublisher
	uuid      string
}

func (d *directSubscriber) ID() string { return "pubnub:" + d.uuid }

func (d *directSubscriber) Deliver(event models.Event) bool {
	return d.publisher.enqueue(userChannel(d.uuid), event)
}

func userChannel(uuid string) string {
	return fmt.Sprintf("user-%s", uuid)
}

// WatchPresence subscribes to presence on the broadcast channel and calls
// onJoin for every user that joins. It blocks until ctx is done.
func (p *PubNubPublisher) WatchPresence(ctx context.Context, onJoin func(ctx context.Context, uuid string)) {
	listener := pubnub.NewListener()
	p.pn.AddListener(listener)
	p.pn.Subscribe().
		Channels([]string{p.channel}).
		WithPresence(true).
		Execute()

	defer func() {
		p.pn.RemoveListener(listener)
		p.pn.UnsubscribeAll()
	}()

	p.listen(ctx, listener, onJoin)
}

// listen consumes every listener channel. The SDK delivers on unbuffered
// channels, so an event kind left unread would stall its subscribe loop.
func (p *PubNubPublisher) listen(ctx context.Context, listener *pubnub.Listener, onJoin func(ctx context.Context, uuid string)) {
	for {
		select {
		case st := <-listener.Status:
			switch st.Category {
			case pubnub.PNConnectedCategory:
				slog.Info("Connected to PubNub", "channel", p.channel)
			case pubnub.PNReconnectedCategory:
				slog.Info("Reconnected to PubNub", "channel", p.channel)
			case pubnub.PNDisconnectedCategory:
				slog.Warn("Disconnected from PubNub", "channel", p.channel)
			case pubnub.PNAccessDeniedCategory:
				slog.Error("PubNub access denied", "channel", p.channel)
			}
		case presence := <-listener.Presence:
			if presence.Event == "join" && presence.UUID != "" {
				onJoin(ctx, presence.UUID)
			}
		// the broadcast channel is write-only for the server
		case <-listener.Message:
		case <-listener.Signal:
		case <-listener.UUIDEvent:
		case <-listener.ChannelEvent:
		case <-listener.MembershipEvent:
		case <-listener.MessageActionsEvent:
		case <-listener.File:
		case <-ctx.Done():
			return
		}
	}
}
