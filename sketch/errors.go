/*
	Tracesketch
	Copyright (c) 2024 The Tracesketch Authors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package sketch

import "errors"

// The domain error taxonomy. Operations wrap these sentinels with
// context; the HTTP layer maps them to status codes. ACL and state
// checks fail loud and early with these before any store is touched.
var (
	// ErrInvalid covers malformed input: unparseable DSL or filter,
	// an empty index set, bad chip values.
	ErrInvalid = errors.New("invalid request")

	// ErrForbidden means the user is known but the ACL or the
	// sketch state denies the operation.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound covers absent or soft-deleted entities.
	ErrNotFound = errors.New("not found")

	// ErrConflict means the entity already exists.
	ErrConflict = errors.New("already exists")

	// ErrArchived rejects queries and writes on an archived sketch.
	ErrArchived = errors.New("unable to query on an archived sketch")

	// ErrUnavailable is a backend store timeout after retries.
	ErrUnavailable = errors.New("event store unavailable")
)
