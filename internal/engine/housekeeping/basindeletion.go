// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package housekeeping

import (
	"context"

	"streamlite/internal/engine/backend"
	"streamlite/internal/engine/enginerr"
)

const (
	basinPageSize       = 32
	streamsPerBasinPage = 128
)

// runBasinDeletionCycle lists one page of basins pending deletion and, for
// each, drains one page of its streams from where the basin's cursor last
// left off; a basin whose cursor reaches the end with nothing left is
// completed.
func (l *Loops) runBasinDeletionCycle(ctx context.Context) (bool, error) {
	candidates, hasMoreBasins, err := l.backend.ListBasinDeletionPending(ctx, "", basinPageSize)
	if err != nil {
		return false, err
	}
	if len(candidates) == 0 {
		return false, nil
	}

	err = boundedForEach(candidates, func(c backend.BasinDeletionCandidate) error {
		return l.drainBasin(ctx, c)
	})
	return hasMoreBasins, err
}

// drainBasin deletes up to one page of streams under basin starting after
// its persisted cursor, advances the cursor, and completes the basin's
// deletion once a page comes back with nothing left to scan.
func (l *Loops) drainBasin(ctx context.Context, c backend.BasinDeletionCandidate) error {
	streams, cursor, hasMore, err := l.backend.ListStreamsPage(ctx, c.Basin, c.Cursor, streamsPerBasinPage)
	if err != nil {
		return err
	}

	err = boundedForEach(streams, func(s string) error {
		if derr := l.backend.DeleteStream(ctx, c.Basin, s); derr != nil {
			if enginerr.Is(derr, enginerr.KindStreamDeletionPending) {
				return nil
			}
			return derr
		}
		return nil
	})
	if err != nil {
		return err
	}

	if !hasMore {
		return l.backend.CompleteBasinDeletion(ctx, c.Basin)
	}
	return l.backend.SetBasinDeletionCursor(ctx, c.Basin, cursor)
}
