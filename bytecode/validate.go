package bytecode

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/praxislang/praxis/op"
)

// Validate checks a program for structural problems: unknown opcodes,
// truncated operands, out-of-range constant, function, and local indices,
// and jump targets that do not land on instruction boundaries. All problems
// found are reported together.
func Validate(p *Program) error {
	var result *multierror.Error

	if len(p.Functions) == 0 {
		result = multierror.Append(result,
			fmt.Errorf("program has no entry function"))
		return result.ErrorOrNil()
	}
	if p.Functions[0].NumParams != 0 {
		result = multierror.Append(result,
			fmt.Errorf("entry function must take 0 parameters (takes %d)",
				p.Functions[0].NumParams))
	}
	for i, fn := range p.Functions {
		if fn.Offset < 0 || fn.Offset >= len(p.Instructions) {
			result = multierror.Append(result,
				fmt.Errorf("function %d offset %d out of range", i, fn.Offset))
		}
		if fn.NumParams > fn.NumLocals {
			result = multierror.Append(result,
				fmt.Errorf("function %d declares %d params but only %d locals",
					i, fn.NumParams, fn.NumLocals))
		}
	}

	// Function spans: instructions from a function's offset up to the next
	// function's offset belong to it.
	starts := make([]int, len(p.Functions))
	owners := make([]int, len(p.Functions))
	for i, fn := range p.Functions {
		starts[i] = fn.Offset
		owners[i] = i
	}
	sort.Sort(&spanSort{starts, owners})
	owner := func(addr int) (Function, bool) {
		i := sort.SearchInts(starts, addr+1) - 1
		if i < 0 {
			return Function{}, false
		}
		return p.Functions[owners[i]], true
	}

	// Walk the instruction stream, recording boundaries.
	boundary := make(map[int]bool)
	for ip := 0; ip < len(p.Instructions); {
		boundary[ip] = true
		opcode := p.Instructions[ip]
		info := op.GetInfo(opcode)
		if info.Name == "" {
			result = multierror.Append(result,
				fmt.Errorf("unknown opcode %d at %d", opcode, ip))
			ip++
			continue
		}
		if ip+1+info.OperandCount > len(p.Instructions) {
			result = multierror.Append(result,
				fmt.Errorf("%s at %d is missing operands", info.Name, ip))
			break
		}
		operands := p.Instructions[ip+1 : ip+1+info.OperandCount]
		next := ip + 1 + info.OperandCount

		switch opcode {
		case op.LoadConst:
			if int(operands[0]) >= len(p.Constants) {
				result = multierror.Append(result,
					fmt.Errorf("constant index %d out of range at %d", operands[0], ip))
			}
		case op.LoadFunction:
			if int(operands[0]) >= len(p.Functions) {
				result = multierror.Append(result,
					fmt.Errorf("function index %d out of range at %d", operands[0], ip))
			}
		case op.MakeClosure:
			if int(operands[0]) >= len(p.Functions) {
				result = multierror.Append(result,
					fmt.Errorf("function index %d out of range at %d", operands[0], ip))
			}
		case op.LoadLocal, op.StoreLocal:
			if fn, ok := owner(ip); ok && int(operands[0]) >= fn.NumLocals {
				result = multierror.Append(result,
					fmt.Errorf("local index %d out of range at %d (function has %d locals)",
						operands[0], ip, fn.NumLocals))
			}
		case op.Jump, op.JumpIfFalse:
			target := op.JumpTarget(next, operands[0])
			if target < 0 || target > len(p.Instructions) {
				result = multierror.Append(result,
					fmt.Errorf("jump at %d targets %d, outside the program", ip, target))
			}
		case op.SandboxEnter:
			target := op.JumpTarget(next, operands[1])
			if target < 0 || target > len(p.Instructions) {
				result = multierror.Append(result,
					fmt.Errorf("sandbox recovery at %d targets %d, outside the program", ip, target))
			}
		}
		ip = next
	}
	boundary[len(p.Instructions)] = true

	// Second pass: jump targets and function offsets must be boundaries.
	for ip := 0; ip < len(p.Instructions); {
		opcode := p.Instructions[ip]
		info := op.GetInfo(opcode)
		if info.Name == "" {
			ip++
			continue
		}
		if ip+1+info.OperandCount > len(p.Instructions) {
			break
		}
		next := ip + 1 + info.OperandCount
		switch opcode {
		case op.Jump, op.JumpIfFalse:
			target := op.JumpTarget(next, p.Instructions[ip+1])
			if target >= 0 && target <= len(p.Instructions) && !boundary[target] {
				result = multierror.Append(result,
					fmt.Errorf("jump at %d targets %d, not an instruction boundary", ip, target))
			}
		}
		ip = next
	}
	for i, fn := range p.Functions {
		if fn.Offset >= 0 && fn.Offset < len(p.Instructions) && !boundary[fn.Offset] {
			result = multierror.Append(result,
				fmt.Errorf("function %d offset %d is not an instruction boundary", i, fn.Offset))
		}
	}

	return result.ErrorOrNil()
}

type spanSort struct {
	starts []int
	owners []int
}

func (s *spanSort) Len() int           { return len(s.starts) }
func (s *spanSort) Less(i, j int) bool { return s.starts[i] < s.starts[j] }
func (s *spanSort) Swap(i, j int) {
	s.starts[i], s.starts[j] = s.starts[j], s.starts[i]
	s.owners[i], s.owners[j] = s.owners[j], s.owners[i]
}
