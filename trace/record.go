package trace

import (
	"fmt"

	"github.com/colorfulnotion/vmmemul/guestfault"
)

// Direction of an emulated device access.
const (
	DirRead  = "r"
	DirWrite = "w"
)

// Access is one device access performed while emulating an instruction.
type Access struct {
	VCPU  int    `json:"vcpu"`
	GPA   string `json:"gpa"`
	Size  int    `json:"size"`
	Value string `json:"value"`
	Dir   string `json:"dir"`
}

// Record is the trace line written for one handled fault.
type Record struct {
	VCPU     int      `json:"vcpu"`
	RIP      string   `json:"rip"`
	GPA      string   `json:"gpa"`
	Inst     string   `json:"inst,omitempty"`
	Op       string   `json:"op,omitempty"`
	Accesses []Access `json:"accesses,omitempty"`
	Repeat   bool     `json:"repeat,omitempty"`
	Fault    *string  `json:"fault,omitempty"`
	Error    *string  `json:"error,omitempty"`
}

func hex64(v uint64) string { return fmt.Sprintf("0x%x", v) }

// NewRecord starts a record for the fault at rip on gpa.
func NewRecord(vcpu int, rip, gpa uint64) *Record {
	return &Record{VCPU: vcpu, RIP: hex64(rip), GPA: hex64(gpa)}
}

// SetInstruction stores the raw bytes and the decoded operation name.
func (r *Record) SetInstruction(inst []byte, op string) {
	r.Inst = fmt.Sprintf("%x", inst)
	r.Op = op
}

// AddAccess appends a device access.
func (r *Record) AddAccess(vcpu int, gpa uint64, size int, val uint64, dir string) {
	r.Accesses = append(r.Accesses, Access{VCPU: vcpu, GPA: hex64(gpa), Size: size, Value: hex64(val), Dir: dir})
}

func (r *Record) SetFault(f *guestfault.Fault) {
	if f == nil {
		r.Fault = nil
		return
	}
	s := f.String()
	r.Fault = &s
}

func (r *Record) SetError(err error) {
	if err == nil {
		r.Error = nil
		return
	}
	s := err.Error()
	r.Error = &s
}
