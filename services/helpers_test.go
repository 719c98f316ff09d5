package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"marki/config"
	"marki/models"
	"marki/parse"
	"marki/parse/parsetest"
	"marki/utils"
)

var testNow = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

func fixedClock() Clock { return func() time.Time { return testNow } }

func withTestConfig(t *testing.T) {
	t.Helper()
	prev := config.AppConfig
	config.AppConfig.EncryptionKey = "0123456789abcdef0123456789abcdef"
	config.AppConfig.DownloadTokenSecret = "download-secret"
	config.AppConfig.SMTP = config.SMTPConfig{}
	config.AppConfig.FTP = config.FTPConfig{}
	t.Cleanup(func() { config.AppConfig = prev })
}

type sentMail struct {
	Settings utils.SMTPSettings
	Email    utils.Email
}

// fakeMailer records messages; failures[n] makes the n-th call (0-based) fail.
type fakeMailer struct {
	mu       sync.Mutex
	sent     []sentMail
	calls    int
	failAll  error
	failures map[int]error
}

func (m *fakeMailer) Send(_ context.Context, s utils.SMTPSettings, e utils.Email) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.calls
	m.calls++
	if m.failAll != nil {
		return "", m.failAll
	}
	if err := m.failures[n]; err != nil {
		return "", err
	}
	m.sent = append(m.sent, sentMail{Settings: s, Email: e})
	return fmt.Sprintf("<msg-%d@test>", n), nil
}

func (m *fakeMailer) TestConnection(context.Context, utils.SMTPSettings) error {
	return m.failAll
}

// fakeStore serves files from memory.
type fakeStore struct {
	files   map[string][]byte
	listErr error
}

type fakeInfo struct {
	os.FileInfo
	name string
	size int64
}

func (f fakeInfo) Name() string { return f.name }
func (f fakeInfo) Size() int64  { return f.size }

func (s *fakeStore) Resolve(p string) string { return "/root/" + p }

func (s *fakeStore) Stat(_ context.Context, p string) (os.FileInfo, error) {
	data, ok := s.files[p]
	if !ok {
		return nil, nil
	}
	return fakeInfo{name: p, size: int64(len(data))}, nil
}

func (s *fakeStore) Fetch(_ context.Context, p string) ([]byte, error) {
	data, ok := s.files[p]
	if !ok {
		return nil, errors.New("no such file")
	}
	return data, nil
}

func (s *fakeStore) List(context.Context, string) ([]string, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []string
	for name := range s.files {
		out = append(out, name)
	}
	return out, nil
}

func storeFactory(s *fakeStore) FileStoreFactory {
	return func(utils.SFTPSettings) FileStore { return s }
}

func newSequences(srv *parsetest.Server) *SequenceService {
	pc := srv.Client()
	history := NewHistoryService(pc)
	history.clock = fixedClock()
	s := NewSequenceService(pc, history)
	s.clock = fixedClock()
	return s
}

func seedSequence(srv *parsetest.Server, nom string, actif bool, actions ...map[string]any) string {
	list := make([]any, 0, len(actions))
	for _, a := range actions {
		list = append(list, a)
	}
	return srv.Seed(models.ClassSequences, map[string]any{
		"nom":     nom,
		"isActif": actif,
		"isAuto":  false,
		"actions": list,
	})
}

func seedImpaye(srv *parsetest.Server, sequenceID string, fields map[string]any) string {
	obj := map[string]any{"facturesoldee": false}
	for k, v := range fields {
		obj[k] = v
	}
	if sequenceID != "" {
		obj["sequence"] = parse.NewPointer(models.ClassSequences, sequenceID)
	}
	return srv.Seed(models.ClassImpayes, obj)
}

// relancesOf returns the stored relances pointing at an invoice.
func relancesOf(srv *parsetest.Server, impayeID string) []map[string]any {
	var out []map[string]any
	for _, r := range srv.Objects(models.ClassRelances) {
		if parse.Object(r).PointerID("impaye") == impayeID {
			out = append(out, r)
		}
	}
	return out
}
