package bias

// AuthorAggregate summarizes one member's active stances across the room's
// configured time frames. It is derived state and is never persisted.
type AuthorAggregate struct {
	PerTimeFrame map[string]Direction `json:"per_time_frame"`
	BullishCount int                  `json:"bullish_count"`
	BearishCount int                  `json:"bearish_count"`
	NeutralCount int                  `json:"neutral_count"`
	Overall      Direction            `json:"overall"`
}

// RoomAggregate summarizes the room-level consensus over the per-author
// overalls of the online members.
type RoomAggregate struct {
	BullishCount int       `json:"bullish_count"`
	BearishCount int       `json:"bearish_count"`
	NeutralCount int       `json:"neutral_count"`
	OverallBias  Direction `json:"overall_bias"`
}

// AggregateAuthor folds an author's active records into per-time-frame
// directions and an overall stance. A configured time frame with no active
// record counts as neutral; records for time frames outside the configured
// set are ignored, which keeps time-frame removal non-destructive to history.
// The function is pure: identical inputs always yield identical outputs and
// input order never matters.
func AggregateAuthor(activeRecords []Record, configuredTimeFrames []string) AuthorAggregate {
	current := make(map[string]Direction, len(configuredTimeFrames))
	latest := make(map[string]int64, len(configuredTimeFrames))
	for _, record := range activeRecords {
		if record.Status != StatusActive || record.IsResetMarker() {
			continue
		}
		if seenAt, ok := latest[record.TimeFrame]; ok && seenAt >= record.CreatedAtSeconds {
			continue
		}
		current[record.TimeFrame] = record.Direction
		latest[record.TimeFrame] = record.CreatedAtSeconds
	}

	aggregate := AuthorAggregate{PerTimeFrame: make(map[string]Direction, len(configuredTimeFrames))}
	for _, timeFrame := range configuredTimeFrames {
		direction, ok := current[timeFrame]
		if !ok {
			direction = DirectionNeutral
		}
		aggregate.PerTimeFrame[timeFrame] = direction
		switch direction {
		case DirectionLong:
			aggregate.BullishCount++
		case DirectionShort:
			aggregate.BearishCount++
		default:
			aggregate.NeutralCount++
		}
	}
	aggregate.Overall = plurality(aggregate.BullishCount, aggregate.BearishCount, aggregate.NeutralCount)
	return aggregate
}

// AggregateRoom buckets the supplied per-author overalls and applies the same
// strict-plurality rule at the room level. Callers pass overalls for online
// members only; offline members are excluded entirely, not counted as neutral.
func AggregateRoom(perAuthorOveralls []Direction) RoomAggregate {
	aggregate := RoomAggregate{}
	for _, overall := range perAuthorOveralls {
		switch overall {
		case DirectionLong:
			aggregate.BullishCount++
		case DirectionShort:
			aggregate.BearishCount++
		default:
			aggregate.NeutralCount++
		}
	}
	aggregate.OverallBias = plurality(aggregate.BullishCount, aggregate.BearishCount, aggregate.NeutralCount)
	return aggregate
}

// plurality returns the direction with strictly more votes than each of the
// other two. Any non-strict plurality, including all counts zero, resolves to
// neutral.
func plurality(bullish, bearish, neutral int) Direction {
	if bullish > bearish && bullish > neutral {
		return DirectionLong
	}
	if bearish > bullish && bearish > neutral {
		return DirectionShort
	}
	return DirectionNeutral
}
