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

package eventstore

// Server-side (painless) scripts used to mutate the nested label
// document on events. Label identity is (name, sketch_id): a label is
// always per-sketch, never global. Both scripts initialize the nested
// array if the document has never been labeled.

// UpdateLabelScript adds the label in params.timesketch_label unless an
// entry with the same (name, sketch_id) already exists. If
// params.remove is true it instead removes every matching entry.
// Insertion and delete-by-value are commutative, so concurrent
// annotation requests converge regardless of arrival order.
const UpdateLabelScript = `
if (ctx._source.timesketch_label == null) {
	ctx._source.timesketch_label = new ArrayList();
}
if (params.remove == true) {
	ctx._source.timesketch_label.removeIf(
		label -> label.name == params.timesketch_label.name
			&& label.sketch_id == params.timesketch_label.sketch_id);
} else {
	boolean found = false;
	for (label in ctx._source.timesketch_label) {
		if (label.name == params.timesketch_label.name
				&& label.sketch_id == params.timesketch_label.sketch_id) {
			found = true;
		}
	}
	if (!found) {
		ctx._source.timesketch_label.add(params.timesketch_label);
	}
}
`

// ToggleLabelScript removes the label if present and adds it if
// absent, atomically per document. Used for __ts_star and __ts_hidden
// so that a burst of concurrent clicks degrades to "last writer wins"
// instead of corrupting the array. Note this script is NOT commutative:
// two concurrent toggles net to the original state. Callers that need
// a deterministic add or remove must use UpdateLabelScript.
const ToggleLabelScript = `
if (ctx._source.timesketch_label == null) {
	ctx._source.timesketch_label = new ArrayList();
}
boolean found = false;
for (label in ctx._source.timesketch_label) {
	if (label.name == params.timesketch_label.name
			&& label.sketch_id == params.timesketch_label.sketch_id) {
		found = true;
	}
}
if (found) {
	ctx._source.timesketch_label.removeIf(
		label -> label.name == params.timesketch_label.name
			&& label.sketch_id == params.timesketch_label.sketch_id);
} else {
	ctx._source.timesketch_label.add(params.timesketch_label);
}
`
