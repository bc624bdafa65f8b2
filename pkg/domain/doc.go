/*
Package domain contains the core entities of the Stagehand lifecycle engine:
Operations, Items and Schedules, together with their state enums, the shared
transition table and the append-only state history.

The types here are pure data plus validation. All mutation funnels through the
lifecycle manager; adapters persist these structs verbatim.
*/
package domain
