package memory

import (
	"context"
	"fmt"

	"github.com/ekaya-inc/ontask-engine/pkg/models"
	"github.com/ekaya-inc/ontask-engine/pkg/repositories"
)

type frameRepository struct{ s *Store }

// NewFrameRepository creates a FrameRepository on s. Frames are kept by
// physical table name so both backends address them the same way.
func NewFrameRepository(s *Store) repositories.FrameRepository {
	return &frameRepository{s: s}
}

var _ repositories.FrameRepository = (*frameRepository)(nil)

func (r *frameRepository) Exists(ctx context.Context, t repositories.FrameTable) (bool, error) {
	var ok bool
	r.s.read(ctx, func(d *state) {
		_, ok = d.frames[t.Name()]
	})
	return ok, nil
}

func (r *frameRepository) Load(ctx context.Context, t repositories.FrameTable) (*models.Frame, error) {
	var out *models.Frame
	r.s.read(ctx, func(d *state) {
		if f, ok := d.frames[t.Name()]; ok {
			out = f.Clone()
		}
	})
	return out, nil
}

func (r *frameRepository) Store(ctx context.Context, t repositories.FrameTable, f *models.Frame) error {
	stored := f.Clone()
	if stored.Rows == nil {
		stored.Rows = [][]any{}
	}
	r.s.write(ctx, func(d *state) {
		d.frames[t.Name()] = stored
	})
	return nil
}

func (r *frameRepository) Drop(ctx context.Context, t repositories.FrameTable) error {
	r.s.write(ctx, func(d *state) {
		delete(d.frames, t.Name())
	})
	return nil
}

func (r *frameRepository) AddColumn(ctx context.Context, t repositories.FrameTable, col models.FrameColumn, value any) error {
	return r.mutate(ctx, t, func(f *models.Frame) error {
		return f.AppendColumn(col, value)
	})
}

func (r *frameRepository) DropColumn(ctx context.Context, t repositories.FrameTable, name string) error {
	return r.mutate(ctx, t, func(f *models.Frame) error {
		return f.DropColumn(name)
	})
}

func (r *frameRepository) RenameColumn(ctx context.Context, t repositories.FrameTable, oldName, newName string) error {
	return r.mutate(ctx, t, func(f *models.Frame) error {
		return f.RenameColumn(oldName, newName)
	})
}

func (r *frameRepository) Select(ctx context.Context, t repositories.FrameTable, matches []repositories.Match, projection []string) (*models.Frame, error) {
	var out *models.Frame
	var err error
	r.s.read(ctx, func(d *state) {
		f, ok := d.frames[t.Name()]
		if !ok {
			err = fmt.Errorf("frame table %s does not exist", t.Name())
			return
		}
		var rows []int
		if rows, err = matchingRows(f, matches); err != nil {
			return
		}
		out = f.Filter(rows)
		if len(projection) > 0 {
			out, err = out.Project(projection)
		}
	})
	return out, err
}

func (r *frameRepository) UpdateRows(ctx context.Context, t repositories.FrameTable, matches []repositories.Match, assignments []repositories.Assignment) (int64, error) {
	var n int64
	err := r.mutate(ctx, t, func(f *models.Frame) error {
		idxs := make([]int, len(assignments))
		for i, a := range assignments {
			if idxs[i] = f.ColumnIndex(a.Column); idxs[i] < 0 {
				return fmt.Errorf("column %q not found", a.Column)
			}
		}
		rows, err := matchingRows(f, matches)
		if err != nil {
			return err
		}
		for _, row := range rows {
			for i, a := range assignments {
				f.Rows[row][idxs[i]] = a.Value
			}
		}
		n = int64(len(rows))
		return nil
	})
	return n, err
}

func (r *frameRepository) InsertRow(ctx context.Context, t repositories.FrameTable, values []repositories.Assignment) error {
	return r.mutate(ctx, t, func(f *models.Frame) error {
		row := make([]any, len(f.Columns))
		for _, v := range values {
			idx := f.ColumnIndex(v.Column)
			if idx < 0 {
				return fmt.Errorf("column %q not found", v.Column)
			}
			row[idx] = v.Value
		}
		f.Rows = append(f.Rows, row)
		return nil
	})
}

func (r *frameRepository) DeleteRows(ctx context.Context, t repositories.FrameTable, matches []repositories.Match) (int64, error) {
	var n int64
	err := r.mutate(ctx, t, func(f *models.Frame) error {
		rows, err := matchingRows(f, matches)
		if err != nil {
			return err
		}
		drop := make(map[int]bool, len(rows))
		for _, i := range rows {
			drop[i] = true
		}
		kept := f.Rows[:0]
		for i, row := range f.Rows {
			if !drop[i] {
				kept = append(kept, row)
			}
		}
		f.Rows = kept
		n = int64(len(rows))
		return nil
	})
	return n, err
}

func (r *frameRepository) CountRows(ctx context.Context, t repositories.FrameTable) (int, error) {
	n := -1
	r.s.read(ctx, func(d *state) {
		if f, ok := d.frames[t.Name()]; ok {
			n = len(f.Rows)
		}
	})
	if n < 0 {
		return 0, fmt.Errorf("frame table %s does not exist", t.Name())
	}
	return n, nil
}

func (r *frameRepository) IsUnique(ctx context.Context, t repositories.FrameTable, column string) (bool, error) {
	var unique bool
	var err error
	r.s.read(ctx, func(d *state) {
		f, ok := d.frames[t.Name()]
		if !ok {
			err = fmt.Errorf("frame table %s does not exist", t.Name())
			return
		}
		if !f.HasColumn(column) {
			err = fmt.Errorf("column %q not found", column)
			return
		}
		unique = f.IsUnique(column)
	})
	return unique, err
}

// mutate applies fn to a copy of the frame and keeps the copy only when fn
// succeeds, so a failed statement leaves the frame untouched.
func (r *frameRepository) mutate(ctx context.Context, t repositories.FrameTable, fn func(f *models.Frame) error) error {
	var err error
	r.s.write(ctx, func(d *state) {
		f, ok := d.frames[t.Name()]
		if !ok {
			err = fmt.Errorf("frame table %s does not exist", t.Name())
			return
		}
		work := f.Clone()
		if err = fn(work); err != nil {
			return
		}
		d.frames[t.Name()] = work
	})
	return err
}

func matchingRows(f *models.Frame, matches []repositories.Match) ([]int, error) {
	idxs := make([]int, len(matches))
	for i, m := range matches {
		if idxs[i] = f.ColumnIndex(m.Column); idxs[i] < 0 {
			return nil, fmt.Errorf("column %q not found", m.Column)
		}
	}
	rows := make([]int, 0)
	for r, row := range f.Rows {
		ok := true
		for i, m := range matches {
			v := row[idxs[i]]
			if m.Value == nil {
				ok = v == nil
			} else {
				ok = v != nil && models.ValuesEqual(v, m.Value)
			}
			if !ok {
				break
			}
		}
		if ok {
			rows = append(rows, r)
		}
	}
	return rows, nil
}
