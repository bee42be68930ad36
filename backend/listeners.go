package backend

import (
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
)

// ChainHeadEvent is posted once per mined block, in mining order.
type ChainHeadEvent struct {
	Header *gethtypes.Header
}

// RemovedLogsEvent is posted when Rollback or Reorg discards blocks,
// carrying the logs that are no longer part of the canonical chain so
// subscribers can retract them.
type RemovedLogsEvent struct {
	Logs []*gethtypes.Log
}

// listeners fans out mining/reorg notifications to every subscriber
// through event.Feed, scoped so Close tears every subscription down at
// once. Notifications are fire-and-forget: a rollback does not retract
// already-delivered chain-head events, it posts RemovedLogsEvent
// instead.
type listeners struct {
	chainHeadFeed   event.Feed
	removedLogsFeed event.Feed
	scope           event.SubscriptionScope
}

// SubscribeChainHead registers ch to receive every mined block's
// ChainHeadEvent until the returned Subscription is unsubscribed.
func (l *listeners) SubscribeChainHead(ch chan<- ChainHeadEvent) event.Subscription {
	return l.scope.Track(l.chainHeadFeed.Subscribe(ch))
}

// SubscribeRemovedLogs registers ch to receive RemovedLogsEvent whenever
// a rollback or reorg retracts previously mined logs.
func (l *listeners) SubscribeRemovedLogs(ch chan<- RemovedLogsEvent) event.Subscription {
	return l.scope.Track(l.removedLogsFeed.Subscribe(ch))
}

func (l *listeners) notifyChainHead(header *gethtypes.Header) {
	l.chainHeadFeed.Send(ChainHeadEvent{Header: header})
}

func (l *listeners) notifyRemovedLogs(logs []*gethtypes.Log) {
	if len(logs) == 0 {
		return
	}
	l.removedLogsFeed.Send(RemovedLogsEvent{Logs: logs})
}

func (l *listeners) close() {
	l.scope.Close()
}
