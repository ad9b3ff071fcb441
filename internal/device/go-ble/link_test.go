package goble

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cautelapp/carelink/internal/device"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestLinkOnDisconnectAfterDown(t *testing.T) {
	l := newLink("AA:BB", nil, nil, logrus.New())
	l.markDown(errors.New("gone"))

	var got error
	remove := l.OnDisconnect(func(_ device.PeripheralID, cause error) { got = cause })
	remove()
	assert.ErrorIs(t, got, device.ErrNotConnected)
}

func TestLinkOnDisconnectRacingMarkDown(t *testing.T) {
	for round := 0; round < 200; round++ {
		l := newLink("AA:BB", nil, nil, logrus.New())

		const observers = 16
		var fired [observers]atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < observers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				l.OnDisconnect(func(device.PeripheralID, error) { fired[i].Add(1) })
			}(i)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			l.markDown(errors.New("gone"))
		}()
		close(start)
		wg.Wait()

		for i := range fired {
			if !assert.EqualValues(t, 1, fired[i].Load(), "round %d observer %d", round, i) {
				return
			}
		}
	}
}
