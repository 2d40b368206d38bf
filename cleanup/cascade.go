// Package cleanup keeps the blob store in step with the message log: blobs
// of removed messages are deleted right away and a periodic sweep collects
// orphans left behind by crashes.
package cleanup

import (
	"context"
	"sync"
	"time"

	"msgboard/core"
	"msgboard/metrics"

	"github.com/sirupsen/logrus"
)

type (
	// Source is the part of the message store cleanup listens to.
	Source interface {
		OnTrimmed(fn func([]core.Message)) (remove func())
		OnDeleted(fn func(core.Message)) (remove func())
	}

	// Cascade deletes the attachment of every message leaving the log.
	Cascade struct {
		blobs   core.BlobStore
		wg      sync.WaitGroup
		removes []func()
	}
)

// Attach starts cascading deletes from store to blobs.
func Attach(store Source, blobs core.BlobStore) *Cascade {
	c := &Cascade{blobs: blobs}
	c.removes = []func(){
		store.OnTrimmed(func(evicted []core.Message) {
			metrics.MessagesTrimmed.Add(float64(len(evicted)))
			for _, msg := range evicted {
				c.release(msg)
			}
		}),
		store.OnDeleted(func(msg core.Message) {
			metrics.MessagesDeleted.Inc()
			c.release(msg)
		}),
	}
	return c
}

// Detach stops listening. Deletes already started keep running.
func (c *Cascade) Detach() {
	for _, remove := range c.removes {
		remove()
	}
}

// Wait blocks until every started delete has finished.
func (c *Cascade) Wait() {
	c.wg.Wait()
}

func (c *Cascade) release(msg core.Message) {
	if !msg.HasAttachment() {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		deleteBlob(context.Background(), c.blobs, msg.AttachmentID, logrus.Fields{"message_id": msg.ID})
	}()
}

func deleteBlob(ctx context.Context, blobs core.BlobStore, id string, fields logrus.Fields) bool {
	log := logrus.WithFields(fields).WithField("blob_id", id)
	start := time.Now()
	err := blobs.Delete(ctx, id)
	metrics.BlobDeleteLatency.Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		log.WithError(err).Error("Failed to delete attachment")
		return false
	}
	log.Debug("Attachment deleted")
	return true
}
