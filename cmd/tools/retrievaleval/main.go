// Command retrievaleval measures retrieval quality of the profile index:
// it chunks a reference profile, builds an index with the real Ark embedder,
// runs a labeled query set and reports hit rate, precision and MRR.
//
// Usage: ARK_API_KEY=... go run ./cmd/tools/retrievaleval
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/flow/backend/internal/config"
	"github.com/zhouzirui/flow/backend/internal/service/rag"
)

type evalCase struct {
	query string
	// marker is a phrase that identifies the chunk(s) considered relevant.
	marker string
}

var evalCases = []evalCase{
	{query: "When is Eleanor free for a quick chat on weekdays?", marker: "Typical Availability"},
	{query: "What is the deadline for the Athena phase 1 report?", marker: "Athena"},
	{query: "Which conference is she preparing a keynote for?", marker: "AI Frontiers Conference"},
	{query: "How does she reply when she is swamped?", marker: "Currently swamped"},
	{query: "What programming languages does she know best?", marker: "Programming: Python"},
	{query: "What does she do on weekends?", marker: "Weekends"},
	{query: "Where is she travelling in August?", marker: "San Francisco"},
	{query: "What instrument does she play?", marker: "classical piano"},
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
	}

	apiKey := strings.TrimSpace(os.Getenv("ARK_API_KEY"))
	if apiKey == "" {
		log.Fatal("ARK_API_KEY is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	ctx := context.Background()
	embedder, err := cfg.AI.NewEmbedder(ctx, apiKey)
	if err != nil {
		log.Fatalf("failed to create embedder: %v", err)
	}

	chunks := rag.ChunkProfile(evalProfile, cfg.Flow.ChunkSize, cfg.Flow.ChunkOverlap)
	fmt.Printf("profile chunked into %d windows (size=%d overlap=%d)\n",
		len(chunks), cfg.Flow.ChunkSize, cfg.Flow.ChunkOverlap)

	relevant := make([][]int, len(evalCases))
	for i, tc := range evalCases {
		for pos, chunk := range chunks {
			if strings.Contains(chunk, tc.marker) {
				relevant[i] = append(relevant[i], pos)
			}
		}
		if len(relevant[i]) == 0 {
			log.Fatalf("eval case %d: marker %q not found in any chunk", i, tc.marker)
		}
	}

	buildStart := time.Now()
	index, err := rag.BuildIndex(ctx, embedder, chunks)
	if err != nil {
		log.Fatalf("failed to build index: %v", err)
	}
	fmt.Printf("index built in %s\n\n", time.Since(buildStart).Round(time.Millisecond))

	var hits int
	var mrrSum, precisionSum float64
	var queryLatency time.Duration

	for i, tc := range evalCases {
		start := time.Now()
		vectors, err := embedder.EmbedStrings(ctx, []string{tc.query})
		if err != nil {
			log.Fatalf("failed to embed query %q: %v", tc.query, err)
		}
		ranked := index.Search(vectors[0], cfg.Flow.TopK)
		queryLatency += time.Since(start)

		relevantSet := make(map[string]bool, len(relevant[i]))
		for _, pos := range relevant[i] {
			relevantSet[fmt.Sprintf("chunk-%d", pos)] = true
		}

		var found int
		reciprocal := 0.0
		for rank, doc := range ranked {
			if relevantSet[doc.ID] {
				found++
				if reciprocal == 0 {
					reciprocal = 1.0 / float64(rank+1)
				}
			}
		}

		hit := found > 0
		if hit {
			hits++
		}
		precision := float64(found) / float64(len(ranked))
		precisionSum += precision
		mrrSum += reciprocal

		fmt.Printf("query %d: hit=%v precision@%d=%.2f rr=%.2f  %q\n",
			i+1, hit, cfg.Flow.TopK, precision, reciprocal, tc.query)
	}

	n := float64(len(evalCases))
	fmt.Printf("\nhit rate:       %.2f\n", float64(hits)/n)
	fmt.Printf("avg precision:  %.2f\n", precisionSum/n)
	fmt.Printf("MRR:            %.2f\n", mrrSum/n)
	fmt.Printf("avg query time: %s\n", (queryLatency / time.Duration(len(evalCases))).Round(time.Millisecond))
}

const evalProfile = `Name: Dr. Eleanor Vance
Timezone: EST (UTC-5)
Profession: Senior Research Scientist at NovaTech AI Labs.
Contact Preference: Email for work matters (eleanor.vance@novatech.ai), text for urgent personal. Avoids calls during work hours unless scheduled.

Typical Availability:
- Weekdays: Generally in deep work focus 9 AM - 12 PM and 1 PM - 4 PM. Available for quick chats before 9 AM, during lunch (12-1 PM), or after 4 PM.
- Evenings: Prefers to disconnect after 7 PM for family time. Might check messages sporadically.
- Weekends: Flexible, but usually dedicates Saturdays to personal projects and Sundays to relaxation or outings.

Current Status & Projects:
- Leading the 'Athena' project, focusing on explainable AI in natural language understanding. Deadline for phase 1 report: July 15th.
- Mentoring three junior researchers. Regular check-ins on Tuesdays.
- Preparing a keynote presentation for the "AI Frontiers Conference" on August 5th. Abstract due: June 20th.
- Currently experiencing a high workload due to multiple deadlines.

Response Style & Preferences:
- Professional Context: Formal, precise, and data-driven. Prefers bullet points for summaries.
- Casual Context (friends/family): Warm, uses occasional humor, sometimes uses emojis.
- When Busy/Stressed: Replies will be very concise, possibly just acknowledgments. May state she's swamped and will follow up.
- Common Phrases when busy: "Currently swamped, will circle back soon.", "In a meeting, can I get back to you?", "Acknowledged. Will review and respond later today."

Technical Skills:
- Programming: Python (Expert), C++, Java (Proficient).
- AI/ML: Deep Learning (CNNs, RNNs, Transformers), NLP, Explainable AI (XAI), Reinforcement Learning.
- Tools: PyTorch, TensorFlow, Scikit-learn, Hugging Face Transformers, Docker, Kubernetes.

Interests & Hobbies:
- Reading: Science fiction, history of science.
- Outdoor: Hiking, landscape photography.
- Music: Plays classical piano.
- Learning: Currently learning about quantum machine learning.

Travel:
- Upcoming: Attending "AI Frontiers Conference" in San Francisco, August 3rd - 7th. Will have limited availability.
- Past: Presented at "Global AI Summit" in Berlin last year.

Personal Notes:
- Values punctuality for meetings.
- Prefers clear agendas for discussions.
- Not a morning person before her first coffee.`
