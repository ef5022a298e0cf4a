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

import (
	"context"
	"fmt"
)

var attributeOntologies = map[string]bool{
	"text": true, "int": true, "bool": true, "list": true,
}

// SetAttribute creates or replaces a named attribute on a sketch. The
// value list replaces any previous values wholesale; single-valued
// ontologies carry one element.
func (s *Service) SetAttribute(ctx context.Context, user *User, sketchID int64, name, ontology string, values []string) error {
	if err := s.requireAccess(ctx, user, sketchID, PermWrite); err != nil {
		return err
	}
	if err := s.requireNotArchived(ctx, sketchID); err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("%w: attribute name is required", ErrInvalid)
	}
	if ontology == "" {
		ontology = "text"
	}
	if !attributeOntologies[ontology] {
		return fmt.Errorf("%w: unknown ontology %q", ErrInvalid, ontology)
	}

	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO attributes (sketch_id, name, ontology) VALUES (?, ?, ?)
		ON CONFLICT (sketch_id, name) DO UPDATE SET ontology=excluded.ontology`,
		sketchID, name, ontology)
	if err != nil {
		return fmt.Errorf("upserting attribute: %w", err)
	}
	var attrID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM attributes WHERE sketch_id=? AND name=?`, sketchID, name).Scan(&attrID)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM attribute_values WHERE attribute_id=?`, attrID); err != nil {
		return err
	}
	for _, v := range values {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO attribute_values (attribute_id, value) VALUES (?, ?)`, attrID, v); err != nil {
			return fmt.Errorf("inserting attribute value: %w", err)
		}
	}
	return tx.Commit()
}

// Attributes returns all attributes of a sketch keyed by name.
func (s *Service) Attributes(ctx context.Context, user *User, sketchID int64) (map[string]*Attribute, error) {
	if err := s.requireAccess(ctx, user, sketchID, PermRead); err != nil {
		return nil, err
	}

	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT attributes.id, attributes.sketch_id, attributes.name, attributes.ontology,
			attribute_values.value
		FROM attributes
		LEFT JOIN attribute_values ON attribute_values.attribute_id = attributes.id
		WHERE attributes.sketch_id=?
		ORDER BY attributes.name, attribute_values.id`, sketchID)
	if err != nil {
		return nil, fmt.Errorf("selecting attributes: %w", err)
	}
	defer rows.Close()

	attrs := make(map[string]*Attribute)
	for rows.Next() {
		var id, skID int64
		var name, ontology string
		var value *string
		if err := rows.Scan(&id, &skID, &name, &ontology, &value); err != nil {
			return nil, err
		}
		attr, ok := attrs[name]
		if !ok {
			attr = &Attribute{ID: id, SketchID: skID, Name: name, Ontology: ontology}
			attrs[name] = attr
		}
		if value != nil {
			attr.Values = append(attr.Values, *value)
		}
	}
	return attrs, rows.Err()
}

// DeleteAttribute removes an attribute and its values.
func (s *Service) DeleteAttribute(ctx context.Context, user *User, sketchID int64, name string) error {
	if err := s.requireAccess(ctx, user, sketchID, PermWrite); err != nil {
		return err
	}
	if err := s.requireNotArchived(ctx, sketchID); err != nil {
		return err
	}

	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM attributes WHERE sketch_id=? AND name=?`, sketchID, name)
	if err != nil {
		return fmt.Errorf("deleting attribute %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("attribute %q: %w", name, ErrNotFound)
	}
	return nil
}
