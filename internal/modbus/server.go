// Package modbus is a minimal Modbus TCP slave holding a power meter's
// register map. The gateway tests poll and command it like a field device.
package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

const (
	functionReadHoldingRegs  = 0x03
	functionWriteSingleReg   = 0x06
	functionWriteMultipleReg = 0x10

	exceptionIllegalFunction = 0x01
	exceptionIllegalDataAddr = 0x02
	exceptionIllegalDataVal  = 0x03
)

var (
	errOutOfRange    = errors.New("out of range")
	errInvalidQty    = errors.New("invalid quantity")
	errInvalidPDULen = errors.New("invalid pdu length")
)

// Server answers read and write requests on holding registers.
type Server struct {
	// UnitID restricts the server to one slave id; 0 answers every id.
	UnitID uint8

	listener  net.Listener
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once

	mu      sync.RWMutex
	holding []uint16
	writes  int
}

// NewServer returns a server with the full 16-bit holding register space.
func NewServer(unitID uint8) *Server {
	return &Server{
		UnitID:  unitID,
		holding: make([]uint16, 65536),
		quit:    make(chan struct{}),
	}
}

// Listen starts accepting Modbus TCP connections on address.
func (s *Server) Listen(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.listener = l

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound address once Listen succeeded.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	go func() {
		<-s.quit
		conn.Close()
	}()

	header := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}

		length := binary.BigEndian.Uint16(header[4:6])
		if length <= 1 {
			continue
		}

		unitID := header[6]
		pdu := make([]byte, int(length)-1)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}
		if s.UnitID != 0 && unitID != s.UnitID {
			// Not addressed to us; a real bus would stay silent.
			continue
		}

		response := s.handlePDU(pdu)
		binary.BigEndian.PutUint16(header[2:4], 0)
		binary.BigEndian.PutUint16(header[4:6], uint16(len(response)+1))

		if _, err := conn.Write(append(header, response...)); err != nil {
			return
		}
	}
}

func (s *Server) handlePDU(pdu []byte) []byte {
	if len(pdu) == 0 {
		return exceptionResponse(0, exceptionIllegalFunction)
	}

	function := pdu[0]
	switch function {
	case functionReadHoldingRegs:
		data, err := s.readRegisters(pdu)
		if err != nil {
			return exceptionResponse(function, errToCode(err))
		}
		return append([]byte{function, byte(len(data))}, data...)
	case functionWriteSingleReg:
		if len(pdu) < 5 {
			return exceptionResponse(function, exceptionIllegalDataVal)
		}
		addr := binary.BigEndian.Uint16(pdu[1:3])
		s.mu.Lock()
		s.holding[addr] = binary.BigEndian.Uint16(pdu[3:5])
		s.writes++
		s.mu.Unlock()
		// The echo of the request is the response.
		return append([]byte(nil), pdu[:5]...)
	case functionWriteMultipleReg:
		if err := s.writeRegisters(pdu); err != nil {
			return exceptionResponse(function, errToCode(err))
		}
		return append([]byte(nil), pdu[:5]...)
	default:
		return exceptionResponse(function, exceptionIllegalFunction)
	}
}

func (s *Server) readRegisters(pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return nil, errInvalidPDULen
	}
	start := binary.BigEndian.Uint16(pdu[1:3])
	quantity := binary.BigEndian.Uint16(pdu[3:5])
	if quantity == 0 || quantity > 125 {
		return nil, errInvalidQty
	}
	if int(start)+int(quantity) > len(s.holding) {
		return nil, errOutOfRange
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]byte, quantity*2)
	for i := 0; i < int(quantity); i++ {
		binary.BigEndian.PutUint16(result[i*2:(i+1)*2], s.holding[int(start)+i])
	}
	return result, nil
}

func (s *Server) writeRegisters(pdu []byte) error {
	if len(pdu) < 6 {
		return errInvalidPDULen
	}
	start := binary.BigEndian.Uint16(pdu[1:3])
	quantity := binary.BigEndian.Uint16(pdu[3:5])
	count := int(pdu[5])
	if quantity == 0 || quantity > 123 || count != int(quantity)*2 {
		return errInvalidQty
	}
	if len(pdu) < 6+count {
		return errInvalidPDULen
	}
	if int(start)+int(quantity) > len(s.holding) {
		return errOutOfRange
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < int(quantity); i++ {
		s.holding[int(start)+i] = binary.BigEndian.Uint16(pdu[6+i*2:])
	}
	s.writes++
	return nil
}

func exceptionResponse(function byte, code byte) []byte {
	return []byte{function | 0x80, code}
}

func errToCode(err error) byte {
	switch {
	case errors.Is(err, errOutOfRange):
		return exceptionIllegalDataAddr
	case errors.Is(err, errInvalidQty), errors.Is(err, errInvalidPDULen):
		return exceptionIllegalDataVal
	default:
		return exceptionIllegalFunction
	}
}

// Close stops the server and waits for all goroutines to exit.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
	})
	s.wg.Wait()
}

// SetHoldingRegister updates a holding register value.
func (s *Server) SetHoldingRegister(address uint16, value uint16) error {
	if int(address) >= len(s.holding) {
		return fmt.Errorf("address %d out of range", address)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holding[address] = value
	return nil
}
