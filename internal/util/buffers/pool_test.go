package buffers

import (
	"sync"
	"testing"
)

func TestPoolGetPut(t *testing.T) {
	p := NewPool(1024)

	buf := p.Get()
	if buf == nil || len(*buf) != 1024 {
		t.Fatalf("Get() returned %v", buf)
	}
	(*buf)[0] = 0xff
	p.Put(buf)

	again := p.Get()
	if len(*again) != 1024 {
		t.Errorf("buffer size = %d, want 1024", len(*again))
	}
	if (*again)[0] != 0 {
		t.Error("pooled buffer was not cleared")
	}
	p.Put(again)

	stats := p.Stats()
	if stats.Gets != 2 || stats.BufferSize != 1024 {
		t.Errorf("Stats() = %+v", stats)
	}
	if stats.Allocations < 1 || stats.Allocations > 2 {
		t.Errorf("Allocations = %d, want 1 or 2", stats.Allocations)
	}
}

func TestPutIgnoresForeignBuffers(t *testing.T) {
	p := NewPool(64)
	p.Put(nil)

	wrong := make([]byte, 32)
	p.Put(&wrong)
	if buf := p.Get(); len(*buf) != 64 {
		t.Errorf("Get() after foreign Put returned %d bytes", len(*buf))
	}
}

func TestForSize(t *testing.T) {
	if ForSize(PartSize) != Parts {
		t.Error("ForSize(PartSize) should return the shared part pool")
	}
	if ForSize(CopySize) != Copy {
		t.Error("ForSize(CopySize) should return the shared copy pool")
	}
	if p := ForSize(5 * 1024 * 1024); p == Parts || p.Size() != 5*1024*1024 {
		t.Errorf("ForSize(5MiB) = %d-byte pool", p.Size())
	}
}

func TestConcurrentAccess(t *testing.T) {
	p := NewPool(128)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				buf := p.Get()
				(*buf)[0] = byte(j)
				p.Put(buf)
			}
		}()
	}
	wg.Wait()

	if got := p.Stats().Gets; got != 1000 {
		t.Errorf("Gets = %d, want 1000", got)
	}
}
