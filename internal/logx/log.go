// Package logx writes structured JSON log lines, one event per line.
package logx

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

type Event struct {
	Ts    time.Time `json:"ts"`
	Level string    `json:"level"`
	Svc   string    `json:"service"`
	Msg   string    `json:"msg"`
	Err   string    `json:"err,omitempty"`
	Extra any       `json:"extra,omitempty"`
}

var (
	mu  sync.Mutex
	enc = json.NewEncoder(os.Stdout)
	now = func() time.Time { return time.Now().UTC() }
)

// SetOutput redirects subsequent events to w and returns a func restoring
// the previous writer.
func SetOutput(w io.Writer) (restore func()) {
	mu.Lock()
	defer mu.Unlock()
	prev := enc
	enc = json.NewEncoder(w)
	return func() {
		mu.Lock()
		enc = prev
		mu.Unlock()
	}
}

func log(ev Event) {
	mu.Lock()
	defer mu.Unlock()
	_ = enc.Encode(ev)
}

func Info(service, msg string, extra any) {
	log(Event{Ts: now(), Level: "info", Svc: service, Msg: msg, Extra: extra})
}

func Warn(service, msg string, err error, extra any) {
	log(withErr(Event{Ts: now(), Level: "warn", Svc: service, Msg: msg, Extra: extra}, err))
}

func Error(service, msg string, err error, extra any) {
	log(withErr(Event{Ts: now(), Level: "error", Svc: service, Msg: msg, Extra: extra}, err))
}

func withErr(ev Event, err error) Event {
	if err != nil {
		ev.Err = err.Error()
	}
	return ev
}
