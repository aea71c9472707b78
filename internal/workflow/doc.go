// Package workflow runs consumer daemons. A Consumer polls the coordination
// store for entities in one target state, claims them, and hands each claim to
// a bounded pool of workers that invoke a stage processor and record the
// outcome. A Manager supervises every consumer of a process together with the
// cleanup daemon and stops them as a group.
//
// Consumers never block on a full pool: when every worker is busy the
// remaining candidates wait for the next poll cycle, so other daemon instances
// can claim them in the meantime.
package workflow
