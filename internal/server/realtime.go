package server

import (
	"context"
	"sync"
	"time"

	"github.com/safeschool/edge/internal/commands"
	"github.com/safeschool/edge/internal/gateways"
)

const (
	AlertEventCluster         = "cluster-alert"
	AlertEventCommandFailed   = "command-exhausted"
	alertEventHeartbeat       = "heartbeat"
	allSitesKey               = "*"
	defaultSubscriberCapacity = 16
)

// AlertMessage is one operator alert delivered over the stream.
type AlertMessage struct {
	EventType string               `json:"eventType"`
	SiteID    string               `json:"siteId"`
	Cluster   *gateways.Alert      `json:"cluster,omitempty"`
	Command   *commandAlertPayload `json:"command,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

type commandAlertPayload struct {
	ID            string `json:"id"`
	DoorID        string `json:"doorId"`
	GatewayID     string `json:"gatewayId"`
	Command       string `json:"command"`
	RetryCount    int    `json:"retryCount"`
	FailureReason string `json:"failureReason,omitempty"`
}

// AlertHub fans operator alerts out to stream subscribers. Subscribers register
// for one site or for every site; slow subscribers drop messages rather than
// block the publisher.
type AlertHub struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*alertSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
	recent      []AlertMessage
	recentLimit int
}

type alertSubscriber struct {
	id     int64
	stream chan AlertMessage
}

// NewAlertHub returns an empty hub that keeps the last recentLimit alerts.
func NewAlertHub(recentLimit int) *AlertHub {
	return &AlertHub{
		subscribers: make(map[string]map[int64]*alertSubscriber),
		bufferSize:  defaultSubscriberCapacity,
		clock:       time.Now,
		recentLimit: recentLimit,
	}
}

// Subscribe registers for alerts of siteID, or of every site when siteID is empty.
func (h *AlertHub) Subscribe(ctx context.Context, siteID string) (<-chan AlertMessage, func()) {
	key := siteID
	if key == "" {
		key = allSitesKey
	}
	subscriber := &alertSubscriber{
		id:     h.nextSequence(),
		stream: make(chan AlertMessage, h.bufferSize),
	}
	h.registerSubscriber(key, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { h.unregisterSubscriber(key, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// ClusterAlert publishes a cluster manager alert.
func (h *AlertHub) ClusterAlert(alert gateways.Alert) {
	timestamp := alert.At
	if timestamp.IsZero() {
		timestamp = h.clock().UTC()
	}
	h.Publish(AlertMessage{EventType: AlertEventCluster, SiteID: alert.SiteID, Cluster: &alert, Timestamp: timestamp})
}

// CommandExhausted publishes an escalated door command.
func (h *AlertHub) CommandExhausted(command commands.DoorCommand) {
	h.Publish(AlertMessage{
		EventType: AlertEventCommandFailed,
		SiteID:    command.SiteID,
		Command: &commandAlertPayload{
			ID:            command.ID,
			DoorID:        command.DoorID,
			GatewayID:     command.GatewayID,
			Command:       string(command.Command),
			RetryCount:    command.RetryCount,
			FailureReason: command.FailureReason,
		},
		Timestamp: h.clock().UTC(),
	})
}

// Publish delivers message to the site's subscribers and to all-site subscribers.
func (h *AlertHub) Publish(message AlertMessage) {
	if message.EventType == "" {
		return
	}
	h.mu.Lock()
	if h.recentLimit > 0 {
		h.recent = append(h.recent, message)
		if overflow := len(h.recent) - h.recentLimit; overflow > 0 {
			h.recent = append([]AlertMessage(nil), h.recent[overflow:]...)
		}
	}
	copies := make([]*alertSubscriber, 0)
	for _, key := range []string{message.SiteID, allSitesKey} {
		if key == "" {
			continue
		}
		for _, subscriber := range h.subscribers[key] {
			copies = append(copies, subscriber)
		}
	}
	h.mu.Unlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// Recent returns the retained alerts, oldest first.
func (h *AlertHub) Recent() []AlertMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]AlertMessage(nil), h.recent...)
}

func (h *AlertHub) nextSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return h.nextID
}

func (h *AlertHub) registerSubscriber(key string, subscriber *alertSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[key]; !ok {
		h.subscribers[key] = make(map[int64]*alertSubscriber)
	}
	h.subscribers[key][subscriber.id] = subscriber
}

func (h *AlertHub) unregisterSubscriber(key string, subscriberID int64) {
	h.mu.Lock()
	subscribers := h.subscribers[key]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(h.subscribers, key)
		}
	}
	h.mu.Unlock()
}
