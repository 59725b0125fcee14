package graph

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const blankPrefix = "_:"

// Node is the JSON mutation payload and the read model of a stored entity.
// Field names follow Dgraph JSON mutation conventions so the same payload can
// be sent verbatim to Dgraph and decoded by the other backends.
type Node struct {
	UID         string `json:"uid,omitempty"`
	Type        Kind   `json:"dgraph.type,omitempty"`
	Name        string `json:"name,omitempty"`
	RID         int64  `json:"rid,omitempty"`
	Title       string `json:"title,omitempty"`
	Rating      string `json:"rating,omitempty"`
	Ingredients []Edge `json:"ingredient,omitempty"`
}

// Edge links a recipe to an ingredient. Quantity is a facet on the edge.
type Edge struct {
	UID      string `json:"uid"`
	Quantity string `json:"ingredient|quantity"`
	Name     string `json:"name,omitempty"`
}

// Blank returns the blank-node uid for name, e.g. "_:recipe".
func Blank(name string) string {
	return blankPrefix + name
}

// BlankName returns the blank-node label of uid, if uid is a blank node.
func BlankName(uid string) (string, bool) {
	return strings.CutPrefix(uid, blankPrefix)
}

// DecodeNode parses and validates a mutation payload.
func DecodeNode(payload []byte) (Node, error) {
	var n Node
	if err := json.Unmarshal(payload, &n); err != nil {
		return Node{}, fmt.Errorf("decode mutation: %w", err)
	}
	_, blank := BlankName(n.UID)
	if n.UID == "" {
		return Node{}, fmt.Errorf("mutation requires a uid or blank node")
	}
	switch n.Type {
	case KindRecipe, KindIngredient:
	case "":
		if blank {
			return Node{}, fmt.Errorf("new node %s: %w", n.UID, ErrUnknownKind)
		}
	default:
		return Node{}, fmt.Errorf("node %s kind %q: %w", n.UID, n.Type, ErrUnknownKind)
	}
	if blank && n.Type == KindIngredient && n.Name == "" {
		return Node{}, fmt.Errorf("ingredient %s requires a name", n.UID)
	}
	if blank && n.Type == KindRecipe && n.RID <= 0 {
		return Node{}, fmt.Errorf("recipe %s requires a positive rid", n.UID)
	}
	for i, e := range n.Ingredients {
		if e.UID == "" {
			return Node{}, fmt.Errorf("edge %d of %s has no uid", i, n.UID)
		}
	}
	return n, nil
}

// Merge overlays the non-zero fields of update onto base and appends edges.
func Merge(base, update Node) Node {
	out := base
	if update.Type != "" {
		out.Type = update.Type
	}
	if update.Name != "" {
		out.Name = update.Name
	}
	if update.RID != 0 {
		out.RID = update.RID
	}
	if update.Title != "" {
		out.Title = update.Title
	}
	if update.Rating != "" {
		out.Rating = update.Rating
	}
	if len(update.Ingredients) > 0 {
		out.Ingredients = append(append([]Edge(nil), base.Ingredients...), update.Ingredients...)
	}
	return out
}

// FieldValue returns the scalar value of a predicate on n.
func FieldValue(n Node, field string) (any, bool) {
	switch field {
	case FieldName:
		return n.Name, n.Name != ""
	case FieldRID:
		return n.RID, n.RID != 0
	case FieldTitle:
		return n.Title, n.Title != ""
	case FieldRating:
		return n.Rating, n.Rating != ""
	default:
		return nil, false
	}
}

// NormalizeValue maps lookup values onto int64 or string so that backends
// compare rid lookups made with int, int32, or int64 alike.
func NormalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint32:
		return int64(x), nil
	default:
		return nil, fmt.Errorf("unsupported lookup value type %T", v)
	}
}

// ValuesEqual compares two scalar values after normalization.
func ValuesEqual(a, b any) bool {
	na, errA := NormalizeValue(a)
	nb, errB := NormalizeValue(b)
	if errA != nil || errB != nil {
		return false
	}
	return na == nb
}

// Token renders a normalized value as an index key component.
func Token(v any) (string, error) {
	n, err := NormalizeValue(v)
	if err != nil {
		return "", err
	}
	switch x := n.(type) {
	case int64:
		return strconv.FormatInt(x, 10), nil
	default:
		return fmt.Sprint(x), nil
	}
}
