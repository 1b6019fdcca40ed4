package socks

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/dialpool/dialpool/internal/tests"
)

func TestReply(t *testing.T) {
	for i := 0; i < 9; i++ {
		s := Reply(i).String()
		if strings.Contains(s, "unknown") {
			t.Errorf("reply code [%d] should not be unknown", i)
		}
	}
	s := Reply(9).String()
	if !strings.Contains(s, "unknown") {
		t.Errorf("reply code [%d] should be unknown", 9)
	}
}

func TestAuthenticate(t *testing.T) {
	auth := &UsernamePassword{
		Username: "gopher",
		Password: "123456",
	}
	buf := bytes.NewBuffer([]byte{byte(0x01), byte(0x00)})
	err := auth.Authenticate(context.Background(), buf, AuthMethodUsernamePassword)
	tests.AssertNoError(t, err)
	auth.Username = strings.Repeat("a", 256)
	err = auth.Authenticate(context.Background(), buf, AuthMethodUsernamePassword)
	tests.AssertErrorContains(t, err, "invalid")

	auth.Username = "gopher"
	buf = bytes.NewBuffer([]byte{byte(0x03), byte(0x00)})
	err = auth.Authenticate(context.Background(), buf, AuthMethodUsernamePassword)
	tests.AssertErrorContains(t, err, "invalid username/password version")

	buf = bytes.NewBuffer([]byte{byte(0x01), byte(0x02)})
	err = auth.Authenticate(context.Background(), buf, AuthMethodUsernamePassword)
	tests.AssertErrorContains(t, err, "authentication failed")

	err = auth.Authenticate(context.Background(), buf, AuthMethodNoAcceptableMethods)
	tests.AssertErrorContains(t, err, "unsupported authentication method")
}
