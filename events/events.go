// Package events defines the notification payloads the archive emits for
// external collaborators. Each event renders itself as a single JSON object
// keyed by its type name; listeners receive events as fmt.Stringer values
// and forward them to whatever transport the host wires up.
package events

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Listener is a callback receiving archive lifecycle events.
type Listener func(fmt.Stringer)

// Discard is a Listener dropping every event.
func Discard(fmt.Stringer) {}

// Log returns a Listener writing every event through the given logger.
func Log(log *logrus.Entry) Listener {
	return func(e fmt.Stringer) {
		log.WithField("event", fmt.Sprintf("%T", e)).Info(e.String())
	}
}

// FileEmitter appends events as JSON lines to a file, one object per line.
// Writes are serialized; emit errors are logged, never propagated.
func FileEmitter(path string, log *logrus.Entry) Listener {
	var mu sync.Mutex
	return func(e fmt.Stringer) {
		mu.Lock()
		defer mu.Unlock()
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			log.WithError(err).Error("cannot open event log")
			return
		}
		defer f.Close()
		if _, err := fmt.Fprintln(f, e.String()); err != nil {
			log.WithError(err).Error("cannot append event")
		}
	}
}

// Tee fans one event out to several listeners.
func Tee(listeners ...Listener) Listener {
	return func(e fmt.Stringer) {
		for _, l := range listeners {
			l(e)
		}
	}
}

func jsonString(v interface{}) string {
	b, _ := json.Marshal(map[string]interface{}{
		fmt.Sprintf("%T", v): v,
	})
	return string(b)
}

// UploadAccepted is emitted when an upload fully clears the pipeline.
type UploadAccepted struct {
	Repo     string   `json:"repo,omitempty"`
	Suite    string   `json:"suite,omitempty"`
	Source   string   `json:"source,omitempty"`
	Version  string   `json:"version,omitempty"`
	Uploader string   `json:"uploader,omitempty"`
	IsNew    bool     `json:"is_new,omitempty"`
	Files    []string `json:"files,omitempty"`
}

func (e UploadAccepted) String() string { return jsonString(e) }

// UploadRejected is emitted when an upload is turned away.
type UploadRejected struct {
	Repo     string `json:"repo,omitempty"`
	Changes  string `json:"changes,omitempty"`
	Uploader string `json:"uploader,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (e UploadRejected) String() string { return jsonString(e) }

// SourcePackageImported is emitted for each source package admitted.
type SourcePackageImported struct {
	Repo    string `json:"repo,omitempty"`
	Suite   string `json:"suite,omitempty"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
	IsNew   bool   `json:"is_new,omitempty"`
}

func (e SourcePackageImported) String() string { return jsonString(e) }

// BinaryPackageImported is emitted for each binary package admitted.
type BinaryPackageImported struct {
	Repo         string `json:"repo,omitempty"`
	Suite        string `json:"suite,omitempty"`
	Name         string `json:"name,omitempty"`
	Version      string `json:"version,omitempty"`
	Architecture string `json:"architecture,omitempty"`
	IsNew        bool   `json:"is_new,omitempty"`
}

func (e BinaryPackageImported) String() string { return jsonString(e) }

// PackageCopied is emitted when a package is promoted into another suite.
type PackageCopied struct {
	Repo    string `json:"repo,omitempty"`
	Kind    string `json:"kind,omitempty"` // source or binary
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
}

func (e PackageCopied) String() string { return jsonString(e) }

// PackageMarkedRemoval is emitted on suite removal or soft-deletion.
type PackageMarkedRemoval struct {
	Repo    string `json:"repo,omitempty"`
	Suite   string `json:"suite,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
	// Deleted is true when the package left its last suite and was
	// soft-deleted rather than merely dropped from one suite.
	Deleted bool `json:"deleted,omitempty"`
}

func (e PackageMarkedRemoval) String() string { return jsonString(e) }

// PackageRemoved is emitted when a package is physically removed.
type PackageRemoved struct {
	Repo    string `json:"repo,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

func (e PackageRemoved) String() string { return jsonString(e) }

// SuitePublished is emitted when a suite's metadata tree is swapped live.
type SuitePublished struct {
	Repo        string `json:"repo,omitempty"`
	Suite       string `json:"suite,omitempty"`
	SourcesOnly bool   `json:"sources_only,omitempty"`
}

func (e SuitePublished) String() string { return jsonString(e) }
