package jinja

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
)

// ifBranch is one if/elif/else arm of an if statement.
type ifBranch struct {
	tag  *Node
	body []*Node
}

// handleIfStatement processes an If control tag and its corresponding block.
// It returns the rendered string of the first branch whose condition holds,
// the index of the node after the matching endif, and any error.
func handleIfStatement(s *State, nodes []*Node, currentIndex int) (string, int, error) {
	var branches []ifBranch
	branchStart := currentIndex
	for {
		body, next, err := findBlock(nodes, branchStart, ControlElseIf, ControlElse)
		if err != nil {
			return "", currentIndex, err
		}
		branches = append(branches, ifBranch{tag: nodes[branchStart], body: body})
		if nodes[next].Control.Type == ControlEndIf {
			currentIndex = next
			break
		}
		branchStart = next
	}

	for _, branch := range branches {
		info := branch.tag.Control
		if info.Type != ControlElse {
			cond, err := NewEvaluator(s.env, s.ctx).evaluateResolved(info.Expr)
			if err != nil {
				return "", currentIndex, fmt.Errorf("error evaluating condition for %s '%s': %w", info.Type, info.Expression, err)
			}
			if !IsTruthy(cond) {
				continue
			}
		}
		out, err := s.Render(branch.body)
		return out, currentIndex + 1, err
	}
	return "", currentIndex + 1, nil
}

// findBlock returns the nodes between the tag at startIndex and the first
// tag that closes it or, at the same nesting level, matches one of stoppers.
// Nested if, for and block tags are skipped whole.
func findBlock(nodes []*Node, startIndex int, stoppers ...ControlTagType) (blockNodes []*Node, closingTagIndex int, err error) {
	nestingLevel := 1 // nodes[startIndex] opened the block.

	for i := startIndex + 1; i < len(nodes); i++ {
		node := nodes[i]
		if node.Type != NodeControlTag {
			continue
		}
		tagType := node.Control.Type
		switch {
		case opensBlock(tagType):
			nestingLevel++
		case closesBlock(tagType):
			nestingLevel--
			if nestingLevel == 0 {
				return nodes[startIndex+1 : i], i, nil
			}
		case nestingLevel == 1 && slices.Contains(stoppers, tagType):
			return nodes[startIndex+1 : i], i, nil
		}
	}
	return nil, -1, fmt.Errorf("unclosed '{%% %s %%}' tag", nodes[startIndex].Content)
}

func opensBlock(t ControlTagType) bool {
	return t == ControlIf || t == ControlFor || t == ControlBlock
}

func closesBlock(t ControlTagType) bool {
	return t == ControlEndIf || t == ControlEndFor || t == ControlEndBlock
}

// handleForStatement processes a For control tag and its corresponding block.
// The body runs once per item with the loop variables and 'loop' bound in a
// copy of the context; the optional else branch runs when there are no items.
func handleForStatement(s *State, nodes []*Node, currentIndex int) (string, int, error) {
	forNode := nodes[currentIndex]
	info := forNode.Control

	bodyNodes, next, err := findBlock(nodes, currentIndex, ControlElse)
	if err != nil {
		return "", currentIndex, err
	}
	var elseNodes []*Node
	endForIndex := next
	if nodes[next].Control.Type == ControlElse {
		if elseNodes, endForIndex, err = findBlock(nodes, next); err != nil {
			return "", currentIndex, err
		}
	}

	collectionVal, err := NewEvaluator(s.env, s.ctx).evaluateResolved(info.Expr)
	if err != nil {
		return "", currentIndex, fmt.Errorf("error evaluating for loop collection '%s': %w", strings.TrimSpace(info.Expression), err)
	}
	items, err := loopItems(collectionVal, len(info.LoopVars) == 2)
	if err != nil {
		return "", currentIndex, fmt.Errorf("for loop requires an iterable collection: %w", err)
	}

	if len(items) == 0 {
		out, err := s.Render(elseNodes)
		return out, endForIndex + 1, err
	}

	var result strings.Builder
	for i, item := range items {
		// Create a copy of the context for this iteration
		iterContext := make(map[string]interface{}, len(s.ctx)+2)
		for k, v := range s.ctx {
			iterContext[k] = v
		}

		if len(info.LoopVars) == 2 {
			pair, ok := item.([]interface{})
			if !ok || len(pair) != 2 {
				return "", currentIndex, fmt.Errorf("cannot unpack %s into %s", typeName(item), strings.Join(info.LoopVars, ", "))
			}
			iterContext[info.LoopVars[0]] = pair[0]
			iterContext[info.LoopVars[1]] = pair[1]
		} else {
			iterContext[info.LoopVars[0]] = item
		}

		loopInfo := map[string]interface{}{
			"index":     i + 1,
			"index0":    i,
			"first":     i == 0,
			"last":      i == len(items)-1,
			"length":    len(items),
			"revindex":  len(items) - i,
			"revindex0": len(items) - i - 1,
		}
		if i > 0 {
			loopInfo["previtem"] = items[i-1]
		}
		if i < len(items)-1 {
			loopInfo["nextitem"] = items[i+1]
		}
		iterContext["loop"] = loopInfo

		iterState := &State{env: s.env, ctx: iterContext, name: s.name, depth: s.depth}
		rendered, err := iterState.Render(bodyNodes)
		if err != nil {
			return "", currentIndex, err
		}
		result.WriteString(rendered)
	}

	return result.String(), endForIndex + 1, nil
}

// loopItems lists what a for loop iterates over. Maps yield their keys in
// order, or [key, value] pairs when the loop unpacks two variables.
func loopItems(val interface{}, pairs bool) ([]interface{}, error) {
	if str, ok := val.(string); ok {
		items := make([]interface{}, 0, len(str))
		for _, c := range str {
			items = append(items, string(c))
		}
		return items, nil
	}
	if pairs && val != nil && reflect.ValueOf(val).Kind() == reflect.Map {
		sorted := sortedPairs(val)
		items := make([]interface{}, len(sorted))
		for i, p := range sorted {
			items[i] = []interface{}{p[0], p[1]}
		}
		return items, nil
	}
	items, err := toSlice(val)
	if err != nil || !pairs {
		return items, err
	}
	// Sequences of pairs, e.g. dict.items(), are normalised for unpacking.
	for i, item := range items {
		if inner, err := toSlice(item); err == nil && reflect.ValueOf(item).Kind() != reflect.Map {
			items[i] = inner
		}
	}
	return items, nil
}

// handleSetStatement assigns a value in the live context.
func handleSetStatement(s *State, nodes []*Node, currentIndex int) (int, error) {
	info := nodes[currentIndex].Control
	value, err := NewEvaluator(s.env, s.ctx).Evaluate(info.Expr)
	if err != nil {
		return currentIndex, fmt.Errorf("error evaluating value for '%s': %w", info.Target, err)
	}
	s.ctx[info.Target] = value
	return currentIndex + 1, nil
}

// handleBlockTag captures the body of a registered block tag and hands it to
// the tag's implementation. Its result and error are passed on as returned.
func handleBlockTag(s *State, nodes []*Node, currentIndex int) (string, int, error) {
	info := nodes[currentIndex].Control
	body, endIndex, err := findBlock(nodes, currentIndex)
	if err != nil {
		return "", currentIndex, err
	}
	tag, ok := s.env.blockTag(info.Name)
	if !ok {
		return "", currentIndex, fmt.Errorf("block tag '%s' is not registered", info.Name)
	}

	call := &TagCall{
		Name: info.Name,
		Args: info.Expression,
		Body: body,
		Line: nodes[currentIndex].Line,
	}
	out, err := tag.RenderBlock(s, call)
	if err != nil {
		return "", currentIndex, err
	}
	return out, endIndex + 1, nil
}
