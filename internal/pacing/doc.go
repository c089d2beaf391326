// Package pacing holds the three timing gates consulted before every action:
// the session window, the daily quota and the per-kind cadence (with global
// micro-breaks).
//
// None of them sleeps. They answer "may this happen now?" and "when next?";
// the agent loop owns the waiting.
package pacing
