// Package dis supports analysis of Praxis bytecode by disassembling it.
// This works with the opcodes defined in the `op` package and annotates
// operands against the program's constant pool and function table.
package dis

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/praxislang/praxis/bytecode"
	"github.com/praxislang/praxis/internal/table"
	"github.com/praxislang/praxis/op"
)

// Instruction represents a single bytecode instruction and its operands.
type Instruction struct {
	Offset     int
	Name       string
	Opcode     op.Code
	Operands   []op.Code
	Annotation string
}

// Disassemble returns a parsed representation of the given program.
func Disassemble(p *bytecode.Program) ([]Instruction, error) {
	var instructions []Instruction
	code := p.Instructions
	for ip := 0; ip < len(code); {
		opcode := code[ip]
		info := op.GetInfo(opcode)
		if info.Name == "" {
			return nil, fmt.Errorf("invalid opcode %d at offset %d", opcode, ip)
		}
		if ip+1+info.OperandCount > len(code) {
			return nil, fmt.Errorf("truncated operands at offset %d", ip)
		}
		operands := code[ip+1 : ip+1+info.OperandCount]
		next := ip + 1 + info.OperandCount

		var annotation string
		switch opcode {
		case op.LoadConst:
			annotation = constantAnnotation(p, int(operands[0]))
		case op.LoadLocal, op.StoreLocal:
			annotation = fmt.Sprintf("local_%d", operands[0])
		case op.LoadCapture:
			annotation = fmt.Sprintf("capture_%d", operands[0])
		case op.LoadFunction:
			annotation = "func:" + p.FunctionName(int(operands[0]))
		case op.MakeClosure:
			annotation = "func:" + p.FunctionName(int(operands[0]))
		case op.BinaryOp:
			annotation = op.BinaryOpType(operands[0]).String()
		case op.CompareOp:
			annotation = op.CompareOpType(operands[0]).String()
		case op.Jump, op.JumpIfFalse:
			annotation = fmt.Sprintf("-> %d", op.JumpTarget(next, operands[0]))
		case op.SandboxEnter:
			annotation = fmt.Sprintf("recover -> %d", op.JumpTarget(next, operands[1]))
		}
		instructions = append(instructions, Instruction{
			Offset:     ip,
			Name:       info.Name,
			Opcode:     opcode,
			Operands:   operands,
			Annotation: annotation,
		})
		ip = next
	}
	return instructions, nil
}

func constantAnnotation(p *bytecode.Program, index int) string {
	c, ok := p.Constant(index)
	if !ok {
		return "?"
	}
	switch c.Kind {
	case bytecode.ConstNil:
		return "nil"
	case bytecode.ConstBool:
		return fmt.Sprintf("%t", c.Bool)
	case bytecode.ConstInt:
		return fmt.Sprintf("%d", c.Int)
	case bytecode.ConstFloat:
		return fmt.Sprintf("%g", c.Float)
	case bytecode.ConstString:
		s := c.Str
		if len(s) > 80 {
			s = s[:77] + "..."
		}
		return fmt.Sprintf("%q", s)
	case bytecode.ConstSymbol:
		return ":" + c.Str
	default:
		return "?"
	}
}

var (
	boldText = color.New(color.Bold)
	cyanText = color.New(color.FgCyan)
)

// Print writes a string representation of the given instructions to the
// given writer.
func Print(instructions []Instruction, writer io.Writer) {
	var lines [][]string
	for _, instr := range instructions {
		lines = append(lines, []string{
			fmt.Sprintf("%d", instr.Offset),
			boldText.Sprint(instr.Name),
			formatOperands(instr.Operands),
			cyanText.Sprint(instr.Annotation),
		})
	}
	table.NewTable(writer).
		WithHeader([]string{"OFFSET", "OPCODE", "OPERANDS", "INFO"}).
		WithColumnAlignment([]table.Alignment{
			table.AlignRight,
			table.AlignLeft,
			table.AlignRight,
			table.AlignLeft,
		}).
		WithHeaderAlignment([]table.Alignment{
			table.AlignCenter,
			table.AlignCenter,
			table.AlignCenter,
			table.AlignCenter,
		}).
		WithRows(lines).
		Render()
}

// PrintProgram disassembles and prints every function of a program, with a
// heading line per function-table entry.
func PrintProgram(p *bytecode.Program, writer io.Writer) error {
	instructions, err := Disassemble(p)
	if err != nil {
		return err
	}
	starts := map[int]int{}
	for i, fn := range p.Functions {
		starts[fn.Offset] = i
	}
	var pending []Instruction
	flush := func() {
		if len(pending) > 0 {
			Print(pending, writer)
			pending = nil
		}
	}
	for _, instr := range instructions {
		if fnIdx, ok := starts[instr.Offset]; ok {
			flush()
			fn, _ := p.Function(fnIdx)
			fmt.Fprintf(writer, "\n%s (params=%d, locals=%d)\n",
				boldText.Sprint(p.FunctionName(fnIdx)), fn.NumParams, fn.NumLocals)
		}
		pending = append(pending, instr)
	}
	flush()
	return nil
}

func formatOperands(operands []op.Code) string {
	var sb strings.Builder
	for i, o := range operands {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%d", o)
	}
	return sb.String()
}
