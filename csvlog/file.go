package csvlog

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"rocket-groundstation/common"
	"rocket-groundstation/telemetry"
)

// fileTimeLayout соответствует telemetry_YYYY-MM-DD_HH-mm-ss.csv
const fileTimeLayout = "2006-01-02_15-04-05"

// BatchWriter записывает пачку записей одной операцией
type BatchWriter interface {
	WriteBatch(records []*common.Telemetry) error
	Name() string
	Close() error
}

// FileName возвращает имя файла сессии по времени ее начала
func FileName(started time.Time) string {
	return "telemetry_" + started.Format(fileTimeLayout) + ".csv"
}

// File - CSV файл одной сессии, только дозапись
type File struct {
	f        *os.File
	name     string
	revision telemetry.Revision
}

// CreateFile создает каталог (если нужно) и файл сессии с заголовком ревизии
func CreateFile(dir string, started time.Time, revision telemetry.Revision) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", dir, err)
	}

	name := FileName(started)
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open csv %s: %w", name, err)
	}

	file := &File{f: f, name: name, revision: revision}
	if err := file.writeRows([][]string{revision.CSVHeader()}); err != nil {
		f.Close()
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	return file, nil
}

// Name возвращает имя файла без каталога
func (f *File) Name() string {
	return f.name
}

// Path возвращает полный путь файла
func (f *File) Path() string {
	return f.f.Name()
}

// WriteBatch кодирует все записи в один буфер и дописывает его одним Write
func (f *File) WriteBatch(records []*common.Telemetry) error {
	rows := make([][]string, len(records))
	for i, rec := range records {
		rows[i] = f.revision.CSVRow(rec)
	}
	return f.writeRows(rows)
}

func (f *File) writeRows(rows [][]string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return err
	}

	if _, err := f.f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("append %s: %w", f.name, err)
	}
	return f.f.Sync()
}

// Close закрывает файл
func (f *File) Close() error {
	return f.f.Close()
}
