package pipeline

import (
	"github.com/quiverai/ragcore/flow"
	"github.com/quiverai/ragcore/flow/schema"
	"github.com/quiverai/ragcore/store"
)

// Node ids used by the built flows.
const (
	nodeStart   = "start"
	nodeVector  = "vector"
	nodeKeyword = "keyword"
	nodeGraph   = "graph"
	nodeMerge   = "merge"
	nodeRerank  = "rerank"
	nodeLLM     = "llm"
)

func globalBinding(name, globalVar string) flow.InputBinding {
	return flow.InputBinding{Name: name, Kind: flow.BindGlobal, GlobalVar: globalVar}
}

func staticBinding(name string, value interface{}) flow.InputBinding {
	return flow.InputBinding{Name: name, Kind: flow.BindStatic, Value: value}
}

func dynamicBinding(name, refNode, refField string) flow.InputBinding {
	return flow.InputBinding{Name: name, Kind: flow.BindDynamic, RefNode: refNode, RefField: refField}
}

func startNode() *flow.NodeInstance {
	return &flow.NodeInstance{
		ID:      nodeStart,
		TypeKey: schema.TypeKeyStart,
		Inputs:  []flow.InputBinding{globalBinding("query", flow.GlobalQuery)},
	}
}

// classicRetrievalFlow builds vector recall, optional keyword recall,
// union merge and optional rerank. The terminal node's docs output is
// the candidate set. Searches oversample when a reranker will narrow
// the set afterwards.
func classicRetrievalFlow(bot BotConfig, collection *store.Collection, rerankOversample int) (*flow.Flow, string) {
	fetchK := bot.TopK
	if bot.RerankModel != "" {
		fetchK = bot.TopK * rerankOversample
	}
	collectionIDs := []string{collection.Name}

	f := &flow.Flow{
		ID:    "classic-retrieval",
		Nodes: map[string]*flow.NodeInstance{nodeStart: startNode()},
	}

	f.Nodes[nodeVector] = &flow.NodeInstance{
		ID:      nodeVector,
		TypeKey: schema.TypeKeyVectorSearch,
		Inputs: []flow.InputBinding{
			dynamicBinding("query", nodeStart, "query"),
			staticBinding("top_k", fetchK),
			staticBinding("similarity_threshold", bot.ScoreThreshold),
			staticBinding("collection_ids", collectionIDs),
		},
	}

	// Vector recall binds first so merge order favours semantic hits
	mergeInputs := []flow.InputBinding{
		dynamicBinding("vector_search_docs", nodeVector, "docs"),
	}

	if bot.EnableKeywordRecall {
		f.Nodes[nodeKeyword] = &flow.NodeInstance{
			ID:      nodeKeyword,
			TypeKey: schema.TypeKeyKeywordSearch,
			Inputs: []flow.InputBinding{
				dynamicBinding("query", nodeStart, "query"),
				staticBinding("top_k", fetchK),
				staticBinding("collection_ids", collectionIDs),
			},
		}
		mergeInputs = append(mergeInputs, dynamicBinding("keyword_search_docs", nodeKeyword, "docs"))
	}

	f.Nodes[nodeMerge] = &flow.NodeInstance{
		ID:      nodeMerge,
		TypeKey: schema.TypeKeyMerge,
		Inputs:  mergeInputs,
	}

	terminal := nodeMerge
	if bot.RerankModel != "" {
		f.Nodes[nodeRerank] = &flow.NodeInstance{
			ID:      nodeRerank,
			TypeKey: schema.TypeKeyRerank,
			Inputs: []flow.InputBinding{
				staticBinding("model", bot.RerankModel),
				dynamicBinding("docs", nodeMerge, "docs"),
				staticBinding("top_k", bot.TopK),
			},
		}
		terminal = nodeRerank
	}

	return f, terminal
}

// graphRetrievalFlow builds the knowledge-graph-only recall flow.
func graphRetrievalFlow(bot BotConfig, collection *store.Collection) (*flow.Flow, string) {
	f := &flow.Flow{
		ID:    "graph-retrieval",
		Nodes: map[string]*flow.NodeInstance{nodeStart: startNode()},
		Edges: []flow.Edge{{Source: nodeStart, Target: nodeGraph}},
	}

	f.Nodes[nodeGraph] = &flow.NodeInstance{
		ID:      nodeGraph,
		TypeKey: schema.TypeKeyGraphSearch,
		Inputs: []flow.InputBinding{
			staticBinding("top_k", bot.TopK),
			staticBinding("collection_ids", []string{collection.Name}),
		},
	}

	return f, nodeGraph
}

// completionFlow builds the streaming answer flow over an already
// retrieved candidate set. contextOverride, when non-empty, replaces
// the packed context (hybrid mode renders labeled sections itself).
func completionFlow(bot BotConfig, docs []store.Document, contextOverride string) *flow.Flow {
	f := &flow.Flow{
		ID:    "completion",
		Nodes: map[string]*flow.NodeInstance{nodeStart: startNode()},
		Edges: []flow.Edge{{Source: nodeStart, Target: nodeLLM}},
	}

	f.Nodes[nodeLLM] = &flow.NodeInstance{
		ID:      nodeLLM,
		TypeKey: schema.TypeKeyLLM,
		Inputs: []flow.InputBinding{
			staticBinding("model_service_provider", bot.Completion.Provider),
			staticBinding("model_name", bot.Completion.Model),
			staticBinding("prompt_template", bot.Completion.PromptTemplate),
			staticBinding("temperature", bot.Completion.Temperature),
			staticBinding("max_tokens", bot.Completion.MaxTokens),
			staticBinding("docs", docs),
			staticBinding("context", contextOverride),
		},
	}

	return f
}
