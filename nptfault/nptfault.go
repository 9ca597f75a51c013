// Package nptfault handles nested page faults on emulated MMIO: it fetches
// and decodes the faulting instruction, resolves its memory operand and
// emulates it against a memory region.
package nptfault

import (
	"context"
	"fmt"

	"github.com/colorfulnotion/vmmemul/guestfault"
	"github.com/colorfulnotion/vmmemul/log"
	"github.com/colorfulnotion/vmmemul/paging"
	"github.com/colorfulnotion/vmmemul/trace"
	"github.com/colorfulnotion/vmmemul/vie"
	"github.com/colorfulnotion/vmmemul/vieerrors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/colorfulnotion/vmmemul/nptfault"

// VCPU is the faulting vCPU's state.
type VCPU struct {
	ID     int
	Regs   vie.RegisterAccess
	Mode   vie.CPUMode
	Paging paging.Context
}

// Exit is the hardware exit information for the fault.
type Exit struct {
	GPA uint64
	// GLA is the linear address hardware reported, or vie.InvalidGLA.
	GLA     uint64
	InstLen int
	// Inst holds instruction bytes captured by the hardware. When empty the
	// instruction is fetched from guest memory at RIP.
	Inst []byte
}

// Result is what the exit loop acts on. With Fault set the fault must be
// injected and RIP is unchanged. With Repeat set RIP is unchanged and the
// guest is resumed to fault again.
type Result struct {
	Fault  *guestfault.Fault
	Repeat bool
	Desc   *vie.Descriptor
}

// Handler emulates faulting MMIO instructions of one VM. It keeps no state
// between faults and may be used by every vCPU concurrently.
type Handler[H any] struct {
	VM         H
	Translator *paging.Translator
	Region     vie.MemRegion[H]
	// Records, when set, receives one record per handled fault.
	Records trace.Writer
	Tracer  oteltrace.Tracer
}

func NewHandler[H any](vm H, tr *paging.Translator, region vie.MemRegion[H]) *Handler[H] {
	return &Handler[H]{
		VM:         vm,
		Translator: tr,
		Region:     region,
		Tracer:     otel.Tracer(tracerName),
	}
}

func hex(v uint64) string { return fmt.Sprintf("0x%x", v) }

// Handle runs the pipeline for one fault. Guest faults come back in
// Result.Fault; errors are unsupported instructions (see
// vieerrors.IsUnsupported) or internal failures.
func (h *Handler[H]) Handle(ctx context.Context, vcpu *VCPU, exit Exit) (Result, error) {
	ctx, span := h.Tracer.Start(ctx, "nptfault.Handle", oteltrace.WithAttributes(
		attribute.Int("vcpu", vcpu.ID),
		attribute.String("gpa", hex(exit.GPA)),
	))
	defer span.End()

	rip, err := vcpu.Regs.GetRegister(vie.RegRIP)
	if err != nil {
		err = fmt.Errorf("read rip: %w: %w", vieerrors.ErrERegisterAccess, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, vieerrors.GetErrorCodeWithName(err))
		return Result{}, err
	}
	rec := trace.NewRecord(vcpu.ID, rip, exit.GPA)
	res, err := h.handle(ctx, vcpu, exit, rip, rec)

	if res.Desc != nil && res.Desc.NumValid > 0 {
		rec.SetInstruction(res.Desc.Bytes(), res.Desc.Op.Type.String())
		span.SetAttributes(attribute.String("inst", fmt.Sprintf("%x", res.Desc.Bytes())))
	}
	rec.Repeat = res.Repeat
	rec.SetFault(res.Fault)
	rec.SetError(err)
	if h.Records != nil {
		if werr := h.Records.WriteRecord(rec); werr != nil {
			log.Warn(log.NPTFault, "trace record dropped", "vcpu", vcpu.ID, "err", werr)
		}
	}

	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, vieerrors.GetErrorCodeWithName(err))
		if vieerrors.IsUnsupported(err) {
			log.Warn(log.NPTFault, "unsupported instruction", "vcpu", vcpu.ID, "rip", hex(rip), "gpa", hex(exit.GPA), "err", err)
		} else {
			log.Error(log.NPTFault, "emulation failed", "vcpu", vcpu.ID, "rip", hex(rip), "gpa", hex(exit.GPA), "err", err)
		}
	case res.Fault != nil:
		span.SetAttributes(attribute.String("fault", res.Fault.String()))
		log.Info(log.NPTFault, "guest fault", "vcpu", vcpu.ID, "rip", hex(rip), "fault", res.Fault.String())
	default:
		span.SetAttributes(attribute.Bool("repeat", res.Repeat))
		log.Debug(log.NPTFault, "emulated", "vcpu", vcpu.ID, "rip", hex(rip), "gpa", hex(exit.GPA), "desc", res.Desc.String(), "repeat", res.Repeat)
	}
	return res, err
}

func (h *Handler[H]) handle(ctx context.Context, vcpu *VCPU, exit Exit, rip uint64, rec *trace.Record) (Result, error) {
	d := new(vie.Descriptor)
	res := Result{Desc: d}

	fault, err := h.decode(ctx, vcpu, exit, rip, d)
	if err != nil || fault != nil {
		res.Fault = fault
		return res, err
	}

	gla := exit.GLA
	if gla == vie.InvalidGLA {
		if gla, err = vie.OperandGLA(d, vcpu.Regs); err != nil {
			return res, err
		}
	}
	resolver := h.Translator.Bind(vcpu.Paging)
	if d.Op.Type != vie.OpMovs {
		_, span := h.Tracer.Start(ctx, "translate")
		gpa, fault, err := resolver.Resolve(gla, vie.OperandAccess(d))
		span.End()
		if err != nil || fault != nil {
			res.Fault = fault
			return res, err
		}
		if gpa != exit.GPA {
			return res, fmt.Errorf("gla 0x%x maps to 0x%x, fault at 0x%x: %w", gla, gpa, exit.GPA, vieerrors.ErrEGPAMismatch)
		}
	}

	_, span := h.Tracer.Start(ctx, "emulate")
	out, err := vie.Emulate(h.VM, vcpu.ID, exit.GPA, d, h.Region, rec, vie.Env{
		Regs:     vcpu.Regs,
		CPL:      vcpu.Paging.CPL,
		GLA:      gla,
		Resolver: resolver,
	})
	span.End()
	if err != nil {
		return res, err
	}
	res.Fault, res.Repeat = out.Fault, out.Repeat
	if out.Fault != nil || out.Repeat {
		return res, nil
	}
	next := rip + uint64(d.Length())
	if vcpu.Mode == vie.CPUModeCompatibility {
		next &= 0xffffffff
	}
	if err := vcpu.Regs.SetRegister(vie.RegRIP, next); err != nil {
		return res, fmt.Errorf("advance rip: %w: %w", vieerrors.ErrERegisterAccess, err)
	}
	return res, nil
}

// decode loads the instruction bytes from the exit or fetches them from the
// guest, then decodes them verifying the hardware linear address.
func (h *Handler[H]) decode(ctx context.Context, vcpu *VCPU, exit Exit, rip uint64, d *vie.Descriptor) (*guestfault.Fault, error) {
	_, span := h.Tracer.Start(ctx, "decode")
	defer span.End()

	if len(exit.Inst) > 0 {
		inst := exit.Inst
		if exit.InstLen > 0 && exit.InstLen < len(inst) {
			inst = inst[:exit.InstLen]
		}
		if err := vie.Load(d, inst); err != nil {
			return nil, err
		}
		return nil, vie.Decode(d, vcpu.Mode, exit.GLA, vcpu.Regs)
	}

	lip, err := instructionPointer(vcpu, rip)
	if err != nil {
		return nil, err
	}
	return vie.FetchDecode(h.Translator.Mem, h.Translator, vcpu.Paging, lip, exit.InstLen, vcpu.Mode, exit.GLA, vcpu.Regs, d)
}

// instructionPointer is the linear address of rip: CS based and 32 bits wide
// in compatibility mode.
func instructionPointer(vcpu *VCPU, rip uint64) (uint64, error) {
	if vcpu.Mode == vie.CPUMode64Bit {
		return rip, nil
	}
	base, err := vcpu.Regs.GetRegister(vie.RegCSBase)
	if err != nil {
		return 0, fmt.Errorf("read cs base: %w: %w", vieerrors.ErrERegisterAccess, err)
	}
	return (vie.SegmentBase(vie.RegCSBase, vcpu.Mode, base) + rip) & 0xffffffff, nil
}
