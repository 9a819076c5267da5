package policy

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/davidahmann/docflow/internal/apperr"
	"github.com/davidahmann/docflow/pkg/types"
)

// conditionPattern accepts `identifier op integer`, where op is one of > < >= <= == != =.
var conditionPattern = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_]*)\s*(>=|<=|==|!=|>|<|=)\s*(-?[0-9]+)\s*$`)

type Operator string

const (
	OpGT Operator = ">"
	OpLT Operator = "<"
	OpGE Operator = ">="
	OpLE Operator = "<="
	OpEQ Operator = "=="
	OpNE Operator = "!="
)

// Attributes are the document values a condition may reference.
type Attributes map[string]int64

const (
	AttrAmount        = "amount"
	AttrPriority      = "priority"
	AttrSecurityLevel = "security_level"
)

var knownAttributes = map[string]struct{}{
	AttrAmount:        {},
	AttrPriority:      {},
	AttrSecurityLevel: {},
}

type Condition struct {
	Attribute string
	Op        Operator
	Value     int64
}

func (c Condition) String() string {
	return c.Attribute + " " + string(c.Op) + " " + strconv.FormatInt(c.Value, 10)
}

// ParseCondition validates expr against the condition grammar and the fixed
// attribute set.
func ParseCondition(expr string) (Condition, error) {
	m := conditionPattern.FindStringSubmatch(expr)
	if m == nil {
		return Condition{}, apperr.InvalidCondition("policy.condition", "condition %q must have the form <attribute> <op> <number>", expr)
	}
	attr := strings.ToLower(m[1])
	if _, ok := knownAttributes[attr]; !ok {
		return Condition{}, apperr.InvalidCondition("policy.condition", "unknown attribute %q", m[1])
	}
	op := Operator(m[2])
	if op == "=" {
		op = OpEQ
	}
	value, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return Condition{}, apperr.InvalidCondition("policy.condition", "value %q is out of range", m[3])
	}
	return Condition{Attribute: attr, Op: op, Value: value}, nil
}

func (c Condition) Evaluate(attrs Attributes) (bool, error) {
	got, ok := attrs[c.Attribute]
	if !ok {
		return false, apperr.InvalidCondition("policy.condition", "attribute %q is not available", c.Attribute)
	}
	switch c.Op {
	case OpGT:
		return got > c.Value, nil
	case OpLT:
		return got < c.Value, nil
	case OpGE:
		return got >= c.Value, nil
	case OpLE:
		return got <= c.Value, nil
	case OpEQ:
		return got == c.Value, nil
	case OpNE:
		return got != c.Value, nil
	default:
		return false, apperr.InvalidCondition("policy.condition", "unsupported operator %q", c.Op)
	}
}

// AttributesOf exposes the condition attributes of a document.
func AttributesOf(doc types.Document) Attributes {
	return Attributes{
		AttrAmount:        doc.Amount,
		AttrPriority:      int64(doc.Priority),
		AttrSecurityLevel: int64(doc.SecurityLevel.Rank()),
	}
}
