package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/nfse-harvester/internal/harvest"
	"github.com/JakeFAU/nfse-harvester/internal/nfse"
)

func noteXML(number, code string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<CompNfse xmlns="http://www.abrasf.org.br/nfse.xsd">
  <Nfse><InfNfse>
    <Numero>%s</Numero>
    <CodigoVerificacao>%s</CodigoVerificacao>
    <DataEmissao>2025-07-15T10:22:31</DataEmissao>
    <PrestadorServico><IdentificacaoPrestador><Cnpj>11222333000181</Cnpj></IdentificacaoPrestador></PrestadorServico>
  </InfNfse></Nfse>
</CompNfse>`, number, code)
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// memStore mimics ON CONFLICT DO NOTHING keyed by checksum.
type memStore struct {
	rows map[string]string
	err  error
}

func (s *memStore) Insert(_ context.Context, rec nfse.Record, path string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	if _, ok := s.rows[rec.Checksum]; ok {
		return false, nil
	}
	s.rows[rec.Checksum] = path
	return true, nil
}

func TestRecordsProcessFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := writeFile(t, dir, "a.xml", noteXML("123", "abc"))
	reissued := writeFile(t, dir, "b.xml", noteXML("123", "ABC"))
	other := writeFile(t, dir, "c.xml", noteXML("124", "xyz"))
	broken := writeFile(t, dir, "d.xml", "<html>not a note</html>")
	missing := filepath.Join(dir, "gone.xml")

	store := &memStore{rows: map[string]string{}}
	sink, err := NewRecords(store, zap.NewNop())
	require.NoError(t, err)

	res, err := sink.ProcessFiles(context.Background(), []string{first, reissued, other, broken, missing})
	require.NoError(t, err)
	require.Equal(t, harvest.IngestResult{Total: 5, Success: 3, Errors: 2}, res)
	require.Len(t, store.rows, 2, "duplicate checksums are accepted as no-ops")
}

func TestRecordsStoreFailureIsCounted(t *testing.T) {
	t.Parallel()

	path := writeFile(t, t.TempDir(), "a.xml", noteXML("1", "k"))
	sink, err := NewRecords(&memStore{err: errors.New("db down")}, nil)
	require.NoError(t, err)

	res, err := sink.ProcessFiles(context.Background(), []string{path})
	require.NoError(t, err)
	require.Equal(t, 1, res.Errors)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = sink.ProcessFiles(ctx, []string{path})
	require.ErrorIs(t, err, context.Canceled)

	_, err = NewRecords(nil, nil)
	require.Error(t, err)
}

type stubSink struct {
	res harvest.IngestResult
	err error
	got []string
}

func (s *stubSink) ProcessFiles(_ context.Context, paths []string) (harvest.IngestResult, error) {
	s.got = append(s.got, paths...)
	return s.res, s.err
}

func TestMultiFansOut(t *testing.T) {
	t.Parallel()

	ok := &stubSink{res: harvest.IngestResult{Total: 2, Success: 2}}
	bad := &stubSink{res: harvest.IngestResult{Total: 2, Errors: 2}, err: errors.New("bucket unavailable")}
	after := &stubSink{res: harvest.IngestResult{Total: 2, Success: 1, Errors: 1}}

	res, err := Multi{ok, nil, bad, after}.ProcessFiles(context.Background(), []string{"a", "b"})
	require.ErrorContains(t, err, "bucket unavailable")
	require.Equal(t, harvest.IngestResult{Total: 6, Success: 3, Errors: 3}, res)
	require.Equal(t, []string{"a", "b"}, after.got, "later sinks still run")
}

func TestLogSink(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := writeFile(t, dir, "a.xml", noteXML("77", "q"))
	bad := writeFile(t, dir, "b.xml", "garbage")

	core, logs := observer.New(zap.InfoLevel)
	res, err := NewLogSink(zap.New(core)).ProcessFiles(context.Background(), []string{good, bad})
	require.NoError(t, err)
	require.Equal(t, harvest.IngestResult{Total: 2, Success: 1, Errors: 1}, res)
	entries := logs.FilterMessage("artifact ingested").All()
	require.Len(t, entries, 1)
	require.Equal(t, "77", entries[0].ContextMap()["number"])
}
