// Package heal decides what drift can be corrected without review and in
// what order. The Healer emits dependency-ordered healing plans for the
// safe subset; ReverseSync turns everything else into grouped change
// proposals that bring the desired state in line with reality.
package heal
