package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	bugst "go.bug.st/serial"
	"golang.org/x/sys/unix"
)

var (
	// ErrNotConnected - соединение уже закрыто
	ErrNotConnected = errors.New("serial port not connected")
	// ErrWriteTimeout - запись не завершилась за отведенное время
	ErrWriteTimeout = errors.New("serial write timed out")
)

// Port - открытый транспорт устройства
type Port interface {
	io.ReadWriteCloser
}

// Opener открывает транспорт по пути и скорости
type Opener interface {
	Open(path string, baudRate int) (Port, error)
}

// NativeOpener открывает tty и настраивает скорость через termios
type NativeOpener struct{}

// Open реализует Opener
func (NativeOpener) Open(path string, baudRate int) (Port, error) {
	port, err := bugst.Open(path, &bugst.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s at %d baud: %w", path, baudRate, err)
	}
	return port, nil
}

// FileOpener открывает уже настроенное устройство как файл, например /dev/rfcomm0
// после 'rfcomm bind' или pty для воспроизведения записи. Скорость игнорируется.
type FileOpener struct{}

// Open реализует Opener
func (FileOpener) Open(path string, _ int) (Port, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("device %s does not exist", path)
	}

	file, err := os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return file, nil
}

// NewOpener возвращает Opener по имени драйвера из конфига
func NewOpener(driver string) (Opener, error) {
	switch driver {
	case "", "native":
		return NativeOpener{}, nil
	case "file":
		return FileOpener{}, nil
	}
	return nil, fmt.Errorf("unknown serial driver %q (allowed: native, file)", driver)
}

// Conn - открытое соединение сессии: чтение строк и запись команд
type Conn struct {
	port         Port
	path         string
	baudRate     int
	writeTimeout time.Duration

	writeSlot chan struct{} // Одна незавершенная запись за раз
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewConn оборачивает открытый порт
func NewConn(port Port, path string, baudRate int, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = 2 * time.Second
	}
	return &Conn{
		port:         port,
		path:         path,
		baudRate:     baudRate,
		writeTimeout: writeTimeout,
		writeSlot:    make(chan struct{}, 1),
		closed:       make(chan struct{}),
	}
}

// Path возвращает путь устройства
func (c *Conn) Path() string {
	return c.path
}

// BaudRate возвращает скорость порта
func (c *Conn) BaudRate() int {
	return c.baudRate
}

// Reader возвращает поток байт устройства
func (c *Conn) Reader() io.Reader {
	return c.port
}

// WriteLine отправляет текст с завершающим '\n'. Зависшая запись ограничена
// writeTimeout: по истечении возвращается ErrWriteTimeout, а сама запись
// продолжает удерживать слот до завершения.
func (c *Conn) WriteLine(ctx context.Context, text string) error {
	if c.isClosed() {
		return ErrNotConnected
	}

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()

	select {
	case <-c.closed:
		return ErrNotConnected
	case c.writeSlot <- struct{}{}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	}

	// Close мог произойти, пока ждали слот
	if c.isClosed() {
		<-c.writeSlot
		return ErrNotConnected
	}

	done := make(chan error, 1)
	go func() {
		defer func() { <-c.writeSlot }()
		_, err := c.port.Write([]byte(text + "\n"))
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("write %s: %w", c.path, err)
		}
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Close закрывает порт; повторные вызовы возвращают результат первого
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.port.Close()
	})
	return c.closeErr
}
