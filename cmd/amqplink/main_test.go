package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	amqp "github.com/ericogr/amqp-link/pkg/amqp"
)

func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "none.yaml")}, args...))
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestInvalidLogLevel(t *testing.T) {
	_, err := executeCommand(t, "--log-level", "loud", "receive", "q")
	if err == nil || !strings.Contains(err.Error(), "log level") {
		t.Fatalf("expected log level error, got %v", err)
	}
}

func TestBridgeConsumeRequiresQueue(t *testing.T) {
	_, err := executeCommand(t, "--log-level", "error", "bridge", "consume", "target")
	if err == nil || !strings.Contains(err.Error(), "queue is required") {
		t.Fatalf("expected missing queue error, got %v", err)
	}
}

func TestBridgeRejectsUnknownPolicy(t *testing.T) {
	_, err := executeCommand(t, "--log-level", "error", "bridge", "publish", "source", "--failure-policy", "retry")
	bridgePolicy = ""
	if err == nil || !strings.Contains(err.Error(), "failure policy") {
		t.Fatalf("expected failure policy error, got %v", err)
	}
}

func TestSendRequiresBody(t *testing.T) {
	if _, err := executeCommand(t, "send", "target"); err == nil {
		t.Fatalf("expected argument error")
	}
}

func TestPrintHandlerLimit(t *testing.T) {
	var out bytes.Buffer
	done := make(chan struct{})
	h := printHandler(&out, 2, done)

	for i := uint32(0); i < 2; i++ {
		if _, ok := h(amqp.NewMessage([]byte("m")), amqp.ReceivedDelivery{DeliveryID: i}).(*amqp.Accepted); !ok {
			t.Fatalf("message %d must be accepted", i)
		}
	}
	select {
	case <-done:
	default:
		t.Fatalf("done must close at the limit")
	}
	if _, ok := h(amqp.NewMessage([]byte("m")), amqp.ReceivedDelivery{DeliveryID: 2}).(*amqp.Released); !ok {
		t.Fatalf("messages past the limit must be released")
	}
	if out.String() != "0\tm\n1\tm\n" {
		t.Fatalf("unexpected output %q", out.String())
	}
}
