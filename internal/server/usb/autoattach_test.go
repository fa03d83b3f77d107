package usb

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Alia5/usbtunnel/usbip"
)

func TestAttachArgs(t *testing.T) {
	var meta usbip.ExportMeta
	copy(meta.BusID[:], "3-1")
	assert.Equal(t,
		[]string{"--tcp-port", "3240", "attach", "-r", "localhost", "-b", "3-1"},
		attachArgs(3240, &meta))
}

func TestCheckAutoAttachPrerequisitesAgreesWithChecks(t *testing.T) {
	want := true
	for _, p := range prerequisites() {
		want = want && p.ok()
	}
	assert.Equal(t, want, CheckAutoAttachPrerequisites(slog.New(slog.DiscardHandler)))
}
