package serial

import (
	"fmt"

	"go.bug.st/serial/enumerator"
)

// PortInfo описывает доступный порт для списка в интерфейсе
type PortInfo struct {
	Path         string `json:"path"`
	Product      string `json:"product,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
	VendorID     string `json:"vendorId,omitempty"`
	ProductID    string `json:"productId,omitempty"`
	IsUSB        bool   `json:"isUsb"`
}

// Lister перечисляет порты, в тестах подменяется
type Lister func() ([]PortInfo, error)

// ListPorts перечисляет последовательные порты системы
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Path:         d.Name,
			Product:      d.Product,
			SerialNumber: d.SerialNumber,
			VendorID:     d.VID,
			ProductID:    d.PID,
			IsUSB:        d.IsUSB,
		})
	}
	return ports, nil
}
